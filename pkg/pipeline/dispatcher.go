// Package pipeline routes transport frames to per-call workers.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sonara-ai/sonara/pkg/frames"
	"github.com/sonara-ai/sonara/pkg/metrics"
	"github.com/sonara-ai/sonara/pkg/segment"
	"github.com/sonara-ai/sonara/pkg/session"
	"github.com/sonara-ai/sonara/pkg/transports"
	"github.com/sonara-ai/sonara/pkg/turn"
	"github.com/sonara-ai/sonara/pkg/vad"
)

type Config struct {
	SampleRate   int
	WorkerBuffer int
	Segment      segment.Config

	// Idle sweep: sessions silent past IdleTimeout are torn down.
	// Zero disables the sweep.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Dispatcher is the single reader of the transport's inbound channel.
// It owns worker lifecycles; workers own everything per-call.
type Dispatcher struct {
	cfg      Config
	tr       transports.Transport
	registry *session.Registry
	arb      *vad.Arbitrator
	ctrl     *turn.Controller
	logger   *slog.Logger
	observer metrics.Observer

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	cancel context.CancelFunc
}

func NewDispatcher(
	cfg Config,
	tr transports.Transport,
	registry *session.Registry,
	arb *vad.Arbitrator,
	ctrl *turn.Controller,
	logger *slog.Logger,
	observer metrics.Observer,
) *Dispatcher {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Dispatcher{
		cfg:      cfg,
		tr:       tr,
		registry: registry,
		arb:      arb,
		ctrl:     ctrl,
		logger:   logger,
		observer: observer,
		workers:  make(map[string]*worker),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	if d.cfg.IdleTimeout > 0 {
		d.wg.Add(1)
		go d.sweep(ctx)
	}
	return nil
}

// Stop drains: no new frames are routed, live workers finish their
// current turn, and the registry empties (bounded by ctx).
func (d *Dispatcher) Stop(ctx context.Context) {
	d.registry.SetDraining(true)
	if d.cancel != nil {
		d.cancel()
	}
	d.registry.CloseAll()
	d.registry.WaitForEmpty(ctx, 200*time.Millisecond)
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-d.tr.Recv():
			if !ok {
				return
			}
			d.route(ctx, f)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, f frames.Frame) {
	callID := f.Meta()[frames.MetaCallID]
	if callID == "" {
		return
	}

	if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == frames.SystemCallStart {
		d.startCall(ctx, callID, sf.Meta()[frames.MetaTraceID])
		return
	}

	d.mu.Lock()
	w := d.workers[callID]
	d.mu.Unlock()
	if w == nil {
		// Media can race ahead of call_start on reconnects; frames for
		// unknown calls are dropped rather than buffered unbounded.
		return
	}
	if !w.offer(f) {
		d.logger.Warn("call worker backlogged, frame dropped",
			slog.String("call_id", callID),
			slog.String("kind", string(f.Kind())))
	}
}

func (d *Dispatcher) startCall(ctx context.Context, callID, traceID string) {
	if d.registry.Draining() {
		d.logger.Info("call rejected while draining", slog.String("call_id", callID))
		return
	}
	sess, created := d.registry.GetOrCreate(callID, traceID)
	if sess == nil || !created {
		return
	}

	segCfg := d.cfg.Segment
	segCfg.SampleRate = d.cfg.SampleRate
	w := newWorker(sess, segment.New(segCfg), d.arb, d.ctrl, d.logger, d.observer, d.cfg.WorkerBuffer)

	d.mu.Lock()
	d.workers[callID] = w
	d.mu.Unlock()

	d.logger.Info("call started",
		slog.String("call_id", callID),
		slog.String("trace_id", traceID),
		slog.Int64("active_calls", d.registry.Count()))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.workers, callID)
			d.mu.Unlock()
			// Covers exits that bypass Teardown (context cancel).
			d.registry.Remove(callID)
		}()
		if err := d.ctrl.EnsureSession(sess.Ctx, sess, true); err != nil {
			d.logger.Warn("dialogue session creation deferred to first turn",
				slog.String("call_id", callID),
				slog.String("error", err.Error()))
		}
		w.run()
	}()
}

// sweep expires sessions idle beyond the timeout, ending their
// dialogue sessions best-effort.
func (d *Dispatcher) sweep(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range d.registry.Expired(now, d.cfg.IdleTimeout) {
				idle := sess.IdleFor(now)
				d.logger.Info("expiring idle session",
					slog.String("call_id", sess.CallID),
					slog.Duration("idle", idle))
				d.observer.RecordEvent(metrics.MetricsEvent{
					Name:  metrics.EventSessionExpired,
					Time:  now,
					Value: idle.Seconds(),
					Tags:  map[string]string{"call_id": sess.CallID},
				})
				d.ctrl.Teardown(sess, "idle_timeout")
			}
		}
	}
}

// ActiveWorkers reports the number of live call workers.
func (d *Dispatcher) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}
