// Package session tracks live call state across the pipeline.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CallSession is the per-call record shared between the transport
// dispatcher, the call worker and the registry sweeper. Fields mutated
// outside the owning worker use atomics.
type CallSession struct {
	CallID  string
	TraceID string
	Ctx     context.Context
	Cancel  context.CancelFunc
	Created time.Time

	greeted      atomic.Bool
	dialogueID   atomic.Value // string
	greeting     atomic.Value // string, opening prompt from the dialogue backend
	lastActivity atomic.Int64 // unix nanos
	lastTurn     atomic.Int64 // unix nanos of last completed turn
}

// MarkGreeted claims the greeting slot. Exactly one caller per session
// observes true, regardless of races.
func (s *CallSession) MarkGreeted() bool {
	return s.greeted.CompareAndSwap(false, true)
}

func (s *CallSession) Greeted() bool {
	return s.greeted.Load()
}

func (s *CallSession) SetDialogueID(id string) {
	s.dialogueID.Store(id)
}

// DialogueID is empty until the first turn creates a dialogue session.
func (s *CallSession) DialogueID() string {
	if v := s.dialogueID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *CallSession) SetGreeting(text string) {
	s.greeting.Store(text)
}

func (s *CallSession) Greeting() string {
	if v := s.greeting.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *CallSession) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *CallSession) IdleFor(now time.Time) time.Duration {
	last := s.lastActivity.Load()
	if last == 0 {
		return now.Sub(s.Created)
	}
	return now.Sub(time.Unix(0, last))
}

func (s *CallSession) SetLastTurn(t time.Time) {
	s.lastTurn.Store(t.UnixNano())
}

// LastTurn is the completion time of the previous turn, zero before the
// first one. The turn controller measures cooldown from it.
func (s *CallSession) LastTurn() time.Time {
	n := s.lastTurn.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Registry is the concurrency-safe call-id index. All cross-call shared
// state in the pipeline lives here.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// GetOrCreate returns the session for callID, creating it when absent.
// The second return reports whether this call created it.
func (r *Registry) GetOrCreate(callID, traceID string) (*CallSession, bool) {
	if callID == "" {
		return nil, false
	}
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*CallSession), false
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &CallSession{
		CallID:  callID,
		TraceID: traceID,
		Ctx:     ctx,
		Cancel:  cancel,
		Created: time.Now(),
	}
	sess.Touch()
	actual, loaded := r.sessions.LoadOrStore(callID, sess)
	if loaded {
		cancel()
		return actual.(*CallSession), false
	}
	r.count.Add(1)
	return sess, true
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*CallSession), true
	}
	return nil, false
}

// Remove cancels and drops the session. Safe to call repeatedly; only
// the first removal decrements the count.
func (r *Registry) Remove(callID string) {
	if v, ok := r.sessions.LoadAndDelete(callID); ok {
		sess := v.(*CallSession)
		if sess.Cancel != nil {
			sess.Cancel()
		}
		r.count.Add(-1)
	}
}

func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		if callID, ok := key.(string); ok {
			r.Remove(callID)
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// Range visits every live session.
func (r *Registry) Range(fn func(*CallSession) bool) {
	r.sessions.Range(func(_, value any) bool {
		return fn(value.(*CallSession))
	})
}

// Expired collects sessions idle beyond timeout. The sweeper removes
// them and ends their dialogue sessions best-effort.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []*CallSession {
	if timeout <= 0 {
		return nil
	}
	var out []*CallSession
	r.Range(func(s *CallSession) bool {
		if s.IdleFor(now) >= timeout {
			out = append(out, s)
		}
		return true
	})
	return out
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
