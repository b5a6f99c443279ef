package vad

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sonara-ai/sonara/pkg/errorsx"
	"github.com/sonara-ai/sonara/pkg/metrics"
)

const (
	DefaultHealthInterval = 5 * time.Minute
	DefaultProbeTimeout   = 2 * time.Second
	DefaultDetectTimeout  = 3 * time.Second
	DefaultSkipThreshold  = 0.3
)

type ArbitratorConfig struct {
	Enabled        bool
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	DetectTimeout  time.Duration
	SkipThreshold  float64
}

func (c *ArbitratorConfig) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = DefaultDetectTimeout
	}
	if c.SkipThreshold <= 0 {
		c.SkipThreshold = DefaultSkipThreshold
	}
}

// Arbitrator combines the local energy classifier with a remote VAD
// service. Remote health is cached: one probe per HealthInterval, and
// any detect failure marks the service unhealthy until the interval
// elapses again. Concurrent refreshes are tolerated, last writer wins.
type Arbitrator struct {
	local    *EnergyClassifier
	remote   RemoteProvider
	cfg      ArbitratorConfig
	logger   *slog.Logger
	observer metrics.Observer

	healthy   atomic.Bool
	lastProbe atomic.Int64 // unix nanos of the last probe or failure

	now func() time.Time
}

func NewArbitrator(local *EnergyClassifier, remote RemoteProvider, cfg ArbitratorConfig, logger *slog.Logger) *Arbitrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbitrator{
		local:    local,
		remote:   remote,
		cfg:      cfg,
		logger:   logger,
		observer: metrics.NoopObserver{},
		now:      time.Now,
	}
}

// SetObserver routes health probe events to a metrics sink.
func (a *Arbitrator) SetObserver(obs metrics.Observer) {
	if obs != nil {
		a.observer = obs
	}
}

// ClassifyFrame is the per-frame decision on the segmentation hot
// path. Always the local energy classifier: a 20ms frame cannot wait
// on a network round trip, so the remote model only sees whole
// utterance candidates through Arbitrate.
func (a *Arbitrator) ClassifyFrame(pcm []byte) Decision {
	return a.local.Classify(pcm)
}

// Arbitrate classifies an utterance candidate of 16-bit mono PCM. It
// never returns an error: remote failures degrade to the local
// decision.
func (a *Arbitrator) Arbitrate(ctx context.Context, sessionID string, pcm []byte) Decision {
	if a.remote == nil || !a.cfg.Enabled {
		return a.fallback(pcm)
	}
	if !a.checkHealth(ctx) {
		return a.fallback(pcm)
	}

	dctx, cancel := context.WithTimeout(ctx, a.cfg.DetectTimeout)
	defer cancel()
	d, err := a.remote.Detect(dctx, sessionID, pcm)
	if err != nil {
		a.markUnhealthy()
		a.logger.Warn("remote vad detect failed, using energy fallback",
			slog.String("session_id", sessionID),
			slog.String("reason", string(errorsx.ReasonVADDetect)),
			slog.String("error", err.Error()))
		return a.fallback(pcm)
	}
	d.Source = SourceRemote
	return d
}

// ShouldSkipTranscription reports a confident-silence decision: the
// utterance can bypass the transcription round trip.
func (a *Arbitrator) ShouldSkipTranscription(d Decision) bool {
	return !d.Speech && d.Confidence < a.cfg.SkipThreshold
}

// Healthy exposes the cached health flag for status endpoints.
func (a *Arbitrator) Healthy() bool {
	return a.healthy.Load()
}

func (a *Arbitrator) fallback(pcm []byte) Decision {
	d := a.local.Classify(pcm)
	d.Source = SourceEnergyFallback
	return d
}

// checkHealth returns the cached flag, refreshing it when the interval
// has elapsed. A probe failure or timeout pins the flag to unhealthy
// for a full interval; no per-frame re-probing.
func (a *Arbitrator) checkHealth(ctx context.Context) bool {
	now := a.now().UnixNano()
	last := a.lastProbe.Load()
	if last != 0 && now-last < int64(a.cfg.HealthInterval) {
		return a.healthy.Load()
	}

	pctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()
	start := a.now()
	err := a.remote.Health(pctx)

	a.lastProbe.Store(now)
	a.healthy.Store(err == nil)
	a.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventVADProbe,
		Time:  a.now(),
		Value: float64(a.now().Sub(start)) / float64(time.Millisecond),
		Tags:  map[string]string{"healthy": strconv.FormatBool(err == nil)},
	})
	if err != nil {
		a.logger.Warn("remote vad health probe failed",
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (a *Arbitrator) markUnhealthy() {
	a.lastProbe.Store(a.now().UnixNano())
	a.healthy.Store(false)
}
