package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonara-ai/sonara/pkg/frames"
)

// Transport is an in-memory transport for local testing and examples.
// It implements the transports.Transport interface without any network
// dependency.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

// StartCall pushes a call_start system frame, as a telephony transport
// would on stream connect.
func (t *Transport) StartCall(callID, from string) {
	t.Push(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallStart, map[string]string{
		frames.MetaFromNumber: from,
	}))
}

// EndCall pushes a call_end system frame.
func (t *Transport) EndCall(callID, reason string) {
	t.Push(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallEnd, map[string]string{
		frames.MetaCallEndReason: reason,
	}))
}

// PushAudio pushes one inbound PCM16 audio frame stamped with pts.
func (t *Transport) PushAudio(callID string, pts int64, pcm []byte, rate int) {
	t.Push(frames.NewAudioFrame(callID, pts, pcm, rate, 1, nil))
}
