// Package turn sequences one conversational exchange per utterance:
// transcribe, advance the dialogue, synthesize, enqueue playback.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sonara-ai/sonara/pkg/adapters/stt"
	"github.com/sonara-ai/sonara/pkg/adapters/tts"
	"github.com/sonara-ai/sonara/pkg/dialogue"
	"github.com/sonara-ai/sonara/pkg/errorsx"
	"github.com/sonara-ai/sonara/pkg/frames"
	"github.com/sonara-ai/sonara/pkg/metrics"
	"github.com/sonara-ai/sonara/pkg/playback"
	"github.com/sonara-ai/sonara/pkg/redact"
	"github.com/sonara-ai/sonara/pkg/segment"
	"github.com/sonara-ai/sonara/pkg/session"
	"github.com/sonara-ai/sonara/pkg/vad"
)

const (
	DefaultCooldown    = time.Second
	DefaultApologyText = "I'm sorry, I didn't catch that. Could you say that again?"

	DefaultSTTTimeout      = 15 * time.Second
	DefaultTTSTimeout      = 20 * time.Second
	DefaultDialogueTimeout = 20 * time.Second
)

type Config struct {
	Cooldown        time.Duration
	ApologyText     string
	GreetingEnabled bool
	SampleRate      int
	ShadowCompare   bool

	STTTimeout      time.Duration
	TTSTimeout      time.Duration
	DialogueTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.ApologyText == "" {
		c.ApologyText = DefaultApologyText
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = DefaultSTTTimeout
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = DefaultTTSTimeout
	}
	if c.DialogueTimeout <= 0 {
		c.DialogueTimeout = DefaultDialogueTimeout
	}
}

// SilenceSkipper decides whether an utterance-level decision is
// confident silence that can bypass transcription.
type SilenceSkipper interface {
	ShouldSkipTranscription(d vad.Decision) bool
}

// EmitFunc hands reply audio frames to the transport. It must not
// block the caller for long.
type EmitFunc func(frames.AudioFrame)

// Controller runs turns for all calls. It holds no per-call mutable
// state itself; callers invoke it from the owning call worker, which
// gives single-flight per session for free.
type Controller struct {
	cfg      Config
	sttc     stt.Transcriber
	ttsc     tts.Synthesizer
	backend  dialogue.Backend
	skipper  SilenceSkipper
	registry *session.Registry
	emit     EmitFunc
	logger   *slog.Logger
	observer metrics.Observer

	now func() time.Time
}

func NewController(
	cfg Config,
	sttc stt.Transcriber,
	ttsc tts.Synthesizer,
	backend dialogue.Backend,
	skipper SilenceSkipper,
	registry *session.Registry,
	emit EmitFunc,
	logger *slog.Logger,
	observer metrics.Observer,
) *Controller {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Controller{
		cfg:      cfg,
		sttc:     sttc,
		ttsc:     ttsc,
		backend:  backend,
		skipper:  skipper,
		registry: registry,
		emit:     emit,
		logger:   logger,
		observer: observer,
		now:      time.Now,
	}
}

// EnsureSession is the single entry point for dialogue session
// creation. The greeting is synthesized and enqueued only when
// emitGreeting is set and this caller wins the session's greet-once
// marker; racing callers get the session without a second greeting.
func (c *Controller) EnsureSession(ctx context.Context, sess *session.CallSession, emitGreeting bool) error {
	if sess.DialogueID() == "" {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialogueTimeout)
		id, text, err := c.backend.Start(dctx, sess.CallID)
		cancel()
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonDialogueStart)
		}
		sess.SetDialogueID(id)
		if text != "" {
			sess.SetGreeting(text)
		}
	}

	if !emitGreeting || !c.cfg.GreetingEnabled {
		return nil
	}
	if !sess.MarkGreeted() {
		return nil
	}
	if greeting := sess.Greeting(); greeting != "" {
		c.speak(ctx, sess, greeting)
	}
	return nil
}

// HandleUtterance runs one turn for a flushed utterance. Provider
// failures degrade (apology or silence) and never propagate to the
// call worker.
func (c *Controller) HandleUtterance(ctx context.Context, sess *session.CallSession, utt segment.Utterance, decision vad.Decision) {
	log := c.logger.With(slog.String("call_id", sess.CallID))
	started := c.now()

	if last := sess.LastTurn(); !last.IsZero() && started.Sub(last) < c.cfg.Cooldown {
		log.Debug("turn suppressed by cooldown",
			slog.Duration("since_last", started.Sub(last)))
		return
	}

	if c.skipper != nil && c.skipper.ShouldSkipTranscription(decision) {
		log.Debug("utterance skipped as confident silence",
			slog.Float64("confidence", decision.Confidence),
			slog.String("vad_source", string(decision.Source)))
		c.record(metrics.EventTurnSkippedSilent, decision.Confidence, sess.CallID, nil)
		if c.cfg.ShadowCompare {
			go c.shadowTranscribe(sess.CallID, utt.Data, decision)
		}
		return
	}

	sttStart := c.now()
	sctx, cancel := context.WithTimeout(ctx, c.cfg.STTTimeout)
	transcript, err := c.sttc.Transcribe(sctx, utt.Data)
	cancel()
	c.record(metrics.EventTurnTranscribe, msSince(sttStart, c.now()), sess.CallID, nil)
	if err != nil {
		log.Warn("transcription failed, dropping utterance",
			slog.String("reason", string(errorsx.ReasonSTTTranscribe)),
			slog.String("error", err.Error()))
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		log.Debug("empty transcript, no turn")
		return
	}
	log.Debug("utterance transcribed",
		slog.String("transcript", redact.Transcript(transcript)))

	if err := c.EnsureSession(ctx, sess, false); err != nil {
		log.Warn("dialogue session unavailable, speaking apology",
			slog.String("error", err.Error()))
		c.speak(ctx, sess, c.cfg.ApologyText)
		sess.SetLastTurn(c.now())
		return
	}

	dlgStart := c.now()
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialogueTimeout)
	reply, err := c.backend.Advance(dctx, sess.DialogueID(), transcript)
	cancel()
	c.record(metrics.EventTurnDialogue, msSince(dlgStart, c.now()), sess.CallID, nil)
	if err != nil {
		log.Warn("dialogue advance failed, speaking apology",
			slog.String("reason", string(errorsx.ReasonDialogueAdvance)),
			slog.String("error", err.Error()))
		c.speak(ctx, sess, c.cfg.ApologyText)
		sess.SetLastTurn(c.now())
		return
	}

	if reply.Text != "" {
		c.speak(ctx, sess, reply.Text)
	}
	sess.SetLastTurn(c.now())
	c.record(metrics.EventTurnTotal, msSince(started, c.now()), sess.CallID, nil)

	if reply.Done {
		c.Teardown(sess, "dialogue_completed")
	}
}

// Teardown ends the dialogue session best-effort and removes the call
// from the registry. Safe to call more than once.
func (c *Controller) Teardown(sess *session.CallSession, reason string) {
	if id := sess.DialogueID(); id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialogueTimeout)
		if err := c.backend.End(ctx, id); err != nil {
			c.logger.Warn("dialogue end failed",
				slog.String("call_id", sess.CallID),
				slog.String("reason", string(errorsx.ReasonDialogueEnd)),
				slog.String("error", err.Error()))
		}
		cancel()
	}
	c.logger.Info("call torn down",
		slog.String("call_id", sess.CallID),
		slog.String("teardown_reason", reason))
	c.registry.Remove(sess.CallID)
}

// speak synthesizes text and enqueues the audio as paced playback
// frames. Synthesis failure is logged and swallowed.
func (c *Controller) speak(ctx context.Context, sess *session.CallSession, text string) {
	ttsStart := c.now()
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TTSTimeout)
	pcm, err := c.ttsc.Synthesize(tctx, text)
	cancel()
	c.record(metrics.EventTurnSynthesize, msSince(ttsStart, c.now()), sess.CallID, nil)
	if err != nil {
		c.logger.Warn("synthesis failed, reply dropped",
			slog.String("call_id", sess.CallID),
			slog.String("reason", string(errorsx.ReasonTTSSynthesize)),
			slog.String("error", err.Error()))
		return
	}
	if len(pcm) == 0 {
		return
	}
	for _, f := range playback.Slice(sess.CallID, pcm, c.cfg.SampleRate, c.now().UnixNano(), nil) {
		c.emit(f)
	}
}

// shadowTranscribe runs a best-effort comparison transcription for
// skipped utterances. Log-only; never touches session state.
func (c *Controller) shadowTranscribe(callID string, pcm []byte, decision vad.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.STTTimeout)
	defer cancel()
	text, err := c.sttc.Transcribe(ctx, pcm)
	if err != nil {
		return
	}
	if strings.TrimSpace(text) != "" {
		c.logger.Info("skipped utterance had transcribable content",
			slog.String("call_id", callID),
			slog.Float64("confidence", decision.Confidence),
			slog.String("shadow_transcript", redact.Transcript(text)))
	}
}

func (c *Controller) record(name string, value float64, callID string, fields map[string]any) {
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   c.now(),
		Value:  value,
		Tags:   map[string]string{"call_id": callID},
		Fields: fields,
	})
}

func msSince(from, to time.Time) float64 {
	return float64(to.Sub(from)) / float64(time.Millisecond)
}
