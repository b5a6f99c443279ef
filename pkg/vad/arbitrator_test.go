package vad

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonara-ai/sonara/pkg/metrics"
)

type fakeRemote struct {
	healthErr  error
	healthHang bool
	detect     Decision
	detectErr  error

	healthCalls int32
	detectCalls int32
}

func (f *fakeRemote) Health(ctx context.Context) error {
	atomic.AddInt32(&f.healthCalls, 1)
	if f.healthHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.healthErr
}

func (f *fakeRemote) Detect(ctx context.Context, sessionID string, pcm []byte) (Decision, error) {
	atomic.AddInt32(&f.detectCalls, 1)
	if f.detectErr != nil {
		return Decision{}, f.detectErr
	}
	return f.detect, nil
}

func newTestArbitrator(remote RemoteProvider, cfg ArbitratorConfig) *Arbitrator {
	return NewArbitrator(NewEnergyClassifier(500), remote, cfg, nil)
}

func TestArbitrateRemoteHealthy(t *testing.T) {
	remote := &fakeRemote{detect: Decision{Speech: true, Confidence: 0.92}}
	a := newTestArbitrator(remote, ArbitratorConfig{Enabled: true})

	d := a.Arbitrate(context.Background(), "sess-1", pcmConstant(0, 160))
	if !d.Speech || d.Source != SourceRemote {
		t.Fatalf("expected remote speech decision, got %+v", d)
	}
	if !a.Healthy() {
		t.Fatalf("expected healthy flag set")
	}
}

func TestArbitrateDisabledUsesFallback(t *testing.T) {
	remote := &fakeRemote{detect: Decision{Speech: true, Confidence: 0.9}}
	a := newTestArbitrator(remote, ArbitratorConfig{Enabled: false})

	d := a.Arbitrate(context.Background(), "sess-1", pcmConstant(4000, 160))
	if d.Source != SourceEnergyFallback {
		t.Fatalf("expected energy fallback, got %s", d.Source)
	}
	if atomic.LoadInt32(&remote.detectCalls) != 0 {
		t.Fatalf("remote must not be consulted when disabled")
	}
}

func TestProbeFailureCachedForInterval(t *testing.T) {
	remote := &fakeRemote{healthErr: errors.New("connection refused")}
	a := newTestArbitrator(remote, ArbitratorConfig{Enabled: true, HealthInterval: time.Minute})

	base := time.Unix(1000, 0)
	a.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		d := a.Arbitrate(context.Background(), "sess-1", pcmConstant(4000, 160))
		if d.Source != SourceEnergyFallback {
			t.Fatalf("expected fallback while unhealthy, got %s", d.Source)
		}
	}
	if got := atomic.LoadInt32(&remote.healthCalls); got != 1 {
		t.Fatalf("expected a single probe within the interval, got %d", got)
	}
	if atomic.LoadInt32(&remote.detectCalls) != 0 {
		t.Fatalf("detect must not be called while unhealthy")
	}

	// Interval elapses: a fresh probe happens and succeeds.
	remote.healthErr = nil
	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	d := a.Arbitrate(context.Background(), "sess-1", pcmConstant(0, 160))
	if d.Source != SourceRemote {
		t.Fatalf("expected remote decision after recovery, got %s", d.Source)
	}
	if got := atomic.LoadInt32(&remote.healthCalls); got != 2 {
		t.Fatalf("expected second probe after interval, got %d", got)
	}
}

func TestProbeTimeoutFallsBackWithoutHanging(t *testing.T) {
	remote := &fakeRemote{healthHang: true}
	a := newTestArbitrator(remote, ArbitratorConfig{
		Enabled:      true,
		ProbeTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	d := a.Arbitrate(context.Background(), "sess-1", pcmConstant(4000, 160))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("probe timeout did not bound the call: %s", elapsed)
	}
	if d.Source != SourceEnergyFallback {
		t.Fatalf("expected fallback after probe timeout, got %s", d.Source)
	}
	if !d.Speech {
		t.Fatalf("expected local classifier to flag loud frame as speech")
	}
}

func TestDetectFailureMarksUnhealthy(t *testing.T) {
	remote := &fakeRemote{detectErr: errors.New("boom")}
	a := newTestArbitrator(remote, ArbitratorConfig{Enabled: true, HealthInterval: time.Minute})

	d := a.Arbitrate(context.Background(), "sess-1", pcmConstant(4000, 160))
	if d.Source != SourceEnergyFallback {
		t.Fatalf("expected fallback on detect error, got %s", d.Source)
	}
	if a.Healthy() {
		t.Fatalf("expected unhealthy after detect failure")
	}

	// Next frame goes straight to fallback without another probe.
	probes := atomic.LoadInt32(&remote.healthCalls)
	_ = a.Arbitrate(context.Background(), "sess-1", pcmConstant(4000, 160))
	if atomic.LoadInt32(&remote.healthCalls) != probes {
		t.Fatalf("expected no re-probe inside the health interval")
	}
}

func TestClassifyFrameNeverTouchesRemote(t *testing.T) {
	remote := &fakeRemote{detect: Decision{Speech: true, Confidence: 0.9}}
	a := newTestArbitrator(remote, ArbitratorConfig{Enabled: true})

	for i := 0; i < 100; i++ {
		d := a.ClassifyFrame(pcmConstant(4000, 160))
		if !d.Speech || d.Source != SourceLocal {
			t.Fatalf("expected local speech decision, got %+v", d)
		}
	}
	if atomic.LoadInt32(&remote.healthCalls) != 0 {
		t.Fatalf("frame classification must not probe health")
	}
	if atomic.LoadInt32(&remote.detectCalls) != 0 {
		t.Fatalf("frame classification must not call detect")
	}
}

func TestHealthProbeEmitsMetric(t *testing.T) {
	remote := &fakeRemote{}
	a := newTestArbitrator(remote, ArbitratorConfig{Enabled: true, HealthInterval: time.Minute})
	mem := metrics.NewMemoryObserver()
	a.SetObserver(mem)

	base := time.Unix(1000, 0)
	a.now = func() time.Time { return base }

	_ = a.Arbitrate(context.Background(), "sess-1", pcmConstant(0, 160))
	events := mem.Snapshot()
	if len(events) != 1 || events[0].Name != metrics.EventVADProbe {
		t.Fatalf("expected one probe event, got %+v", events)
	}
	if events[0].Tags["healthy"] != "true" {
		t.Fatalf("expected healthy tag, got %+v", events[0].Tags)
	}

	// Cached health inside the interval: no second probe event.
	_ = a.Arbitrate(context.Background(), "sess-1", pcmConstant(0, 160))
	if got := len(mem.Snapshot()); got != 1 {
		t.Fatalf("expected probe event only on refresh, got %d", got)
	}

	// Failed probe after the interval reports unhealthy.
	remote.healthErr = errors.New("connection refused")
	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	_ = a.Arbitrate(context.Background(), "sess-1", pcmConstant(0, 160))
	events = mem.Snapshot()
	if len(events) != 2 || events[1].Tags["healthy"] != "false" {
		t.Fatalf("expected unhealthy probe event, got %+v", events)
	}
}

func TestShouldSkipTranscription(t *testing.T) {
	a := newTestArbitrator(nil, ArbitratorConfig{SkipThreshold: 0.3})

	if !a.ShouldSkipTranscription(Decision{Speech: false, Confidence: 0.1}) {
		t.Fatalf("confident silence should skip")
	}
	if a.ShouldSkipTranscription(Decision{Speech: false, Confidence: 0.5}) {
		t.Fatalf("uncertain silence must not skip")
	}
	if a.ShouldSkipTranscription(Decision{Speech: true, Confidence: 0.1}) {
		t.Fatalf("speech must never skip")
	}
}
