// Package engine assembles the voice pipeline from config: transport,
// providers, VAD arbitration, segmentation, turn control, lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sonara-ai/sonara/pkg/configutil"
	"github.com/sonara-ai/sonara/pkg/frames"
	"github.com/sonara-ai/sonara/pkg/logging"
	"github.com/sonara-ai/sonara/pkg/metrics"
	"github.com/sonara-ai/sonara/pkg/observers"
	"github.com/sonara-ai/sonara/pkg/pipeline"
	"github.com/sonara-ai/sonara/pkg/redact"
	"github.com/sonara-ai/sonara/pkg/runner"
	"github.com/sonara-ai/sonara/pkg/segment"
	"github.com/sonara-ai/sonara/pkg/session"
	"github.com/sonara-ai/sonara/pkg/transports"
	"github.com/sonara-ai/sonara/pkg/transports/twilio"
	"github.com/sonara-ai/sonara/pkg/turn"
	"github.com/sonara-ai/sonara/pkg/vad"
	"github.com/sonara-ai/sonara/pkg/vad/silero"
)

type Engine struct {
	cfg        Config
	registry   *session.Registry
	transport  transports.Transport
	dispatcher *pipeline.Dispatcher
	dialer     transports.OutboundDialer
	runner     *runner.LifecycleRunner
	asyncObs   *metrics.AsyncObserver
	metricsOut *os.File
	logger     *slog.Logger
}

type Options struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport overrides the configured transport, for embedding and
	// tests.
	Transport transports.Transport
	// Observer is appended to the built-in observers.
	Observer metrics.Observer
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config

	logger := logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)
	redact.SetEnabled(cfg.Privacy.RedactTranscripts)

	logger.Info("sonara_init",
		slog.String("environment", cfg.Environment),
		slog.String("transport", cfg.Transports.Provider),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("tts_provider", cfg.Vendors.TTS.Provider),
		slog.String("dialogue_provider", cfg.Vendors.Dialogue.Provider),
		slog.Bool("remote_vad", cfg.VAD.Remote.Enabled),
	)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}

	tr := opts.Transport
	if tr == nil {
		var err error
		tr, err = providers.BuildTransport(cfg.Transports.Provider, cfg)
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
	}
	sttc, err := providers.BuildSTT(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("build stt: %w", err)
	}
	ttsc, err := providers.BuildTTS(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("build tts: %w", err)
	}
	backend, err := providers.BuildDialogue(cfg.Vendors.Dialogue.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("build dialogue: %w", err)
	}

	obsList := []metrics.Observer{
		observers.NewTurnLatencyObserver(logging.Component(logger, "latency")),
		observers.NewLoggerObserver(logging.Component(logger, "metrics")),
	}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}
	var metricsOut *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		metricsOut, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		obsList = append(obsList, metrics.NewJSONLObserver(metricsOut))
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.Buffer)

	var remote vad.RemoteProvider
	if cfg.VAD.Remote.Enabled {
		client, err := silero.New(silero.Settings{URL: cfg.VAD.Remote.URL})
		if err != nil {
			return nil, fmt.Errorf("build remote vad: %w", err)
		}
		remote = client
	}
	arb := vad.NewArbitrator(
		vad.NewEnergyClassifier(cfg.VAD.ThresholdRMS),
		remote,
		vad.ArbitratorConfig{
			Enabled:        cfg.VAD.Remote.Enabled,
			HealthInterval: ms(cfg.VAD.Remote.HealthIntervalMS),
			ProbeTimeout:   ms(cfg.VAD.Remote.ProbeTimeoutMS),
			DetectTimeout:  ms(cfg.VAD.Remote.DetectTimeoutMS),
			SkipThreshold:  cfg.VAD.Remote.SkipBelowConfidence,
		},
		logging.Component(logger, "vad"),
	)
	arb.SetObserver(asyncObs)

	registry := session.NewRegistry()
	ctrl := turn.NewController(
		turn.Config{
			Cooldown:        cfg.Turn.Cooldown(),
			ApologyText:     cfg.Turn.ApologyText,
			GreetingEnabled: cfg.Turn.GreetingEnabled,
			SampleRate:      cfg.Engine.SampleRate,
			ShadowCompare:   cfg.VAD.Remote.ShadowCompare,
			STTTimeout:      ms(cfg.Turn.STTTimeoutMS),
			TTSTimeout:      ms(cfg.Turn.TTSTimeoutMS),
			DialogueTimeout: ms(cfg.Turn.DialogueTimeout),
		},
		sttc, ttsc, backend, arb, registry,
		func(f frames.AudioFrame) {
			if err := tr.Send(f); err != nil {
				logger.Debug("reply frame dropped",
					slog.String("call_id", f.Meta()[frames.MetaCallID]),
					slog.String("error", err.Error()))
			}
		},
		logging.Component(logger, "turn"),
		asyncObs,
	)

	dispatcher := pipeline.NewDispatcher(
		pipeline.Config{
			SampleRate:   cfg.Engine.SampleRate,
			WorkerBuffer: cfg.Engine.WorkerBuffer,
			Segment: segment.Config{
				SilenceThreshold: ms(cfg.Segment.SilenceMS),
				MaxUtterance:     ms(cfg.Segment.MaxUtteranceMS),
				FlushPolicy:      segment.FlushPolicy(cfg.Segment.FlushPolicy),
			},
			IdleTimeout:   ms(cfg.Session.IdleTimeoutMS),
			SweepInterval: ms(cfg.Session.SweepIntervalMS),
		},
		tr, registry, arb, ctrl,
		logging.Component(logger, "pipeline"),
		asyncObs,
	)

	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		transport:  tr,
		dispatcher: dispatcher,
		asyncObs:   asyncObs,
		metricsOut: metricsOut,
		logger:     logger,
	}

	if normalizeName(cfg.Transports.Provider) == "twilio" && opts.Transport == nil {
		var tc twilio.Config
		if derr := configutil.DecodeSettings(cfg.Transports.Settings, &tc); derr == nil {
			e.dialer = twilio.NewDialer(tc)
		}
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Sonara Engine Ready"}
			if rr, ok := tr.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			asyncObs.Close()
			if metricsOut != nil {
				_ = metricsOut.Close()
			}
			logger.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int64("active_calls", registry.Count()))
		},
	}
	drainer := runner.DrainerFunc(func() error {
		_ = tr.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		dispatcher.Stop(ctx)
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)

	return e, nil
}

// Run starts the transport and dispatcher, then blocks until ctx is
// canceled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := e.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) State() runner.State {
	return e.runner.State()
}

// ActiveCalls reports live sessions, for health endpoints and tests.
func (e *Engine) ActiveCalls() int64 {
	return e.registry.Count()
}

// Dial places an outbound call when the configured transport supports
// it.
func (e *Engine) Dial(ctx context.Context, to, from string) (string, error) {
	if e.dialer == nil {
		return "", errors.New("transport does not support outbound dialing")
	}
	return e.dialer.Dial(ctx, to, from, "")
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
