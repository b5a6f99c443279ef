package pipeline

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonara-ai/sonara/pkg/frames"
	"github.com/sonara-ai/sonara/pkg/providers/mock"
	"github.com/sonara-ai/sonara/pkg/session"
	transportmock "github.com/sonara-ai/sonara/pkg/transports/mock"
	"github.com/sonara-ai/sonara/pkg/turn"
	"github.com/sonara-ai/sonara/pkg/vad"
)

type fixture struct {
	tr       *transportmock.Transport
	registry *session.Registry
	sttc     *mock.STT
	ttsc     *mock.TTS
	back     *mock.Dialogue
	disp     *Dispatcher
}

func newFixture(t *testing.T, transcripts []string) *fixture {
	return newFixtureWithRemote(t, transcripts, nil)
}

func newFixtureWithRemote(t *testing.T, transcripts []string, remote vad.RemoteProvider) *fixture {
	t.Helper()
	tr := transportmock.New()
	registry := session.NewRegistry()
	sttc := mock.NewSTT(mock.STTConfig{Transcripts: transcripts})
	ttsc := mock.NewTTS(mock.TTSConfig{SampleRate: 8000})
	back := mock.NewDialogue(mock.DialogueConfig{
		Greeting:  "Hi! First question: what's your name?",
		Questions: []string{"And your email?"},
		Closing:   "All done, thanks!",
	})
	arb := vad.NewArbitrator(vad.NewEnergyClassifier(500), remote, vad.ArbitratorConfig{Enabled: remote != nil}, nil)
	ctrl := turn.NewController(
		turn.Config{SampleRate: 8000, GreetingEnabled: true, Cooldown: time.Millisecond},
		sttc, ttsc, back, arb, registry,
		func(f frames.AudioFrame) { _ = tr.Send(f) },
		nil, nil,
	)
	disp := NewDispatcher(Config{SampleRate: 8000}, tr, registry, arb, ctrl, nil, nil)
	return &fixture{tr: tr, registry: registry, sttc: sttc, ttsc: ttsc, back: back, disp: disp}
}

func speechPCM(ms int) []byte {
	n := 8000 * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(4000))
	}
	return out
}

func silencePCM(ms int) []byte {
	return make([]byte, 8000*ms/1000*2)
}

// pushCallAudio feeds 20ms frames covering the given pcm starting at
// startMs, returning the end timestamp.
func pushCallAudio(tr *transportmock.Transport, callID string, startMs int, pcm []byte) int {
	ms := startMs
	for off := 0; off < len(pcm); off += 320 {
		end := off + 320
		if end > len(pcm) {
			end = len(pcm)
		}
		tr.PushAudio(callID, int64(ms)*int64(time.Millisecond), pcm[off:end], 8000)
		ms += 20
	}
	return ms
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func drainSent(tr *transportmock.Transport) int {
	n := 0
	for {
		select {
		case <-tr.Sent():
			n++
		default:
			return n
		}
	}
}

func TestCallLifecycleEndToEnd(t *testing.T) {
	fx := newFixture(t, []string{"my name is dana"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.disp.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fx.tr.StartCall("CA1", "+15550100")
	waitFor(t, time.Second, func() bool {
		return len(fx.ttsc.SpokenTexts()) == 1
	}, "greeting synthesis")

	ms := pushCallAudio(fx.tr, "CA1", 0, speechPCM(500))
	pushCallAudio(fx.tr, "CA1", ms, silencePCM(900))

	waitFor(t, 2*time.Second, func() bool {
		return len(fx.ttsc.SpokenTexts()) == 2
	}, "reply synthesis")

	spoken := fx.ttsc.SpokenTexts()
	if spoken[0] != "Hi! First question: what's your name?" {
		t.Fatalf("expected greeting first, got %q", spoken[0])
	}
	if spoken[1] != "And your email?" {
		t.Fatalf("expected first question as reply, got %q", spoken[1])
	}
	if got := drainSent(fx.tr); got == 0 {
		t.Fatalf("expected reply audio frames on the transport")
	}
	utts := fx.sttc.Utterances()
	if len(utts) != 1 {
		t.Fatalf("expected one utterance transcribed, got %d", len(utts))
	}
	// Only speech bytes reach the transcriber: 500ms at 8kHz PCM16.
	if got := len(utts[0]); got != 8000 {
		t.Fatalf("expected 8000 utterance bytes, got %d", got)
	}

	fx.tr.EndCall("CA1", "completed")
	waitFor(t, time.Second, func() bool {
		return fx.registry.Count() == 0 && fx.disp.ActiveWorkers() == 0
	}, "call teardown")
	if len(fx.back.Ended) != 1 {
		t.Fatalf("expected dialogue session ended once, got %d", len(fx.back.Ended))
	}
}

func TestIndependentCallsDoNotInterfere(t *testing.T) {
	fx := newFixture(t, []string{"answer"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = fx.disp.Start(ctx)

	fx.tr.StartCall("CA1", "+15550100")
	fx.tr.StartCall("CA2", "+15550101")
	waitFor(t, time.Second, func() bool {
		return fx.disp.ActiveWorkers() == 2
	}, "two workers")

	// Only CA1 speaks; CA2 stays silent.
	ms := pushCallAudio(fx.tr, "CA1", 0, speechPCM(500))
	pushCallAudio(fx.tr, "CA1", ms, silencePCM(900))
	pushCallAudio(fx.tr, "CA2", 0, silencePCM(1400))

	waitFor(t, 2*time.Second, func() bool {
		return len(fx.sttc.Utterances()) == 1
	}, "single utterance")

	fx.tr.EndCall("CA2", "completed")
	waitFor(t, time.Second, func() bool {
		return fx.disp.ActiveWorkers() == 1
	}, "CA2 teardown")
	if _, ok := fx.registry.Get("CA1"); !ok {
		t.Fatalf("CA1 must survive CA2 teardown")
	}
}

func TestFramesForUnknownCallDropped(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = fx.disp.Start(ctx)

	// No call_start: audio must be ignored without creating sessions.
	pushCallAudio(fx.tr, "CA-ghost", 0, speechPCM(100))
	time.Sleep(50 * time.Millisecond)
	if fx.registry.Count() != 0 {
		t.Fatalf("unknown-call media must not create sessions")
	}
}

type countingRemote struct {
	healthCalls atomic.Int32
	detectCalls atomic.Int32
}

func (r *countingRemote) Health(ctx context.Context) error {
	r.healthCalls.Add(1)
	return nil
}

func (r *countingRemote) Detect(ctx context.Context, sessionID string, pcm []byte) (vad.Decision, error) {
	r.detectCalls.Add(1)
	return vad.Decision{Speech: true, Confidence: 0.95}, nil
}

func TestRemoteVADConsultedPerUtteranceNotPerFrame(t *testing.T) {
	remote := &countingRemote{}
	fx := newFixtureWithRemote(t, []string{"my name is dana"}, remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = fx.disp.Start(ctx)

	fx.tr.StartCall("CA1", "+15550100")
	waitFor(t, time.Second, func() bool {
		return len(fx.ttsc.SpokenTexts()) == 1
	}, "greeting synthesis")

	// 25 speech frames then 45 silence frames: one flush.
	ms := pushCallAudio(fx.tr, "CA1", 0, speechPCM(500))
	pushCallAudio(fx.tr, "CA1", ms, silencePCM(900))
	waitFor(t, 2*time.Second, func() bool {
		return len(fx.ttsc.SpokenTexts()) == 2
	}, "reply synthesis")

	if got := remote.detectCalls.Load(); got != 1 {
		t.Fatalf("remote must see one detect per utterance, got %d", got)
	}
}

func TestStopDrainsRegistry(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = fx.disp.Start(ctx)

	fx.tr.StartCall("CA1", "+15550100")
	fx.tr.StartCall("CA2", "+15550101")
	waitFor(t, time.Second, func() bool {
		return fx.registry.Count() == 2
	}, "two sessions")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	fx.disp.Stop(stopCtx)

	if fx.registry.Count() != 0 {
		t.Fatalf("expected empty registry after drain, got %d", fx.registry.Count())
	}
}
