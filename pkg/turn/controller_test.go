package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonara-ai/sonara/pkg/dialogue"
	"github.com/sonara-ai/sonara/pkg/frames"
	"github.com/sonara-ai/sonara/pkg/segment"
	"github.com/sonara-ai/sonara/pkg/session"
	"github.com/sonara-ai/sonara/pkg/vad"
)

type fakeSTT struct {
	text  string
	err   error
	calls int32
}

func (f *fakeSTT) Name() string { return "fake-stt" }
func (f *fakeSTT) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.text, f.err
}

type fakeTTS struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeTTS) Name() string { return "fake-tts" }
func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	// 40ms of audio at 8kHz so the framer emits two frames.
	return make([]byte, 640), nil
}

func (f *fakeTTS) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeBackend struct {
	mu         sync.Mutex
	startErr   error
	advanceErr error
	reply      dialogue.Reply
	greeting   string
	starts     int32
	advances   []string
	ended      []string
}

func (f *fakeBackend) Name() string { return "fake-dialogue" }
func (f *fakeBackend) Start(ctx context.Context, userID string) (string, string, error) {
	atomic.AddInt32(&f.starts, 1)
	if f.startErr != nil {
		return "", "", f.startErr
	}
	return "dlg-" + userID, f.greeting, nil
}
func (f *fakeBackend) Advance(ctx context.Context, sessionID, input string) (dialogue.Reply, error) {
	f.mu.Lock()
	f.advances = append(f.advances, input)
	f.mu.Unlock()
	if f.advanceErr != nil {
		return dialogue.Reply{}, f.advanceErr
	}
	return f.reply, nil
}
func (f *fakeBackend) End(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.ended = append(f.ended, sessionID)
	f.mu.Unlock()
	return nil
}

type collector struct {
	mu     sync.Mutex
	frames []frames.AudioFrame
}

func (c *collector) emit(f frames.AudioFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type staticSkipper struct{ skip bool }

func (s staticSkipper) ShouldSkipTranscription(vad.Decision) bool { return s.skip }

func newFixture(cfg Config, sttc *fakeSTT, back *fakeBackend) (*Controller, *session.Registry, *fakeTTS, *collector) {
	reg := session.NewRegistry()
	ttsc := &fakeTTS{}
	out := &collector{}
	ctrl := NewController(cfg, sttc, ttsc, back, nil, reg, out.emit, nil, nil)
	return ctrl, reg, ttsc, out
}

func speechUtterance() segment.Utterance {
	return segment.Utterance{Data: make([]byte, 8000), StartPTS: 0, EndPTS: int64(500 * time.Millisecond)}
}

func speechDecision() vad.Decision {
	return vad.Decision{Speech: true, Confidence: 0.9, Source: vad.SourceRemote}
}

func TestHandleUtteranceFullTurn(t *testing.T) {
	sttc := &fakeSTT{text: "my name is dana"}
	back := &fakeBackend{reply: dialogue.Reply{Text: "thanks, and your email?"}}
	ctrl, reg, ttsc, out := newFixture(Config{SampleRate: 8000}, sttc, back)
	sess, _ := reg.GetOrCreate("CA1", "")

	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())

	if got := back.advances; len(got) != 1 || got[0] != "my name is dana" {
		t.Fatalf("expected transcript forwarded to dialogue, got %v", got)
	}
	if spoken := ttsc.spoken(); len(spoken) != 1 || spoken[0] != "thanks, and your email?" {
		t.Fatalf("expected reply synthesized, got %v", spoken)
	}
	if out.count() != 2 {
		t.Fatalf("expected reply sliced into 2 playback frames, got %d", out.count())
	}
	if sess.LastTurn().IsZero() {
		t.Fatalf("expected last-turn timestamp set")
	}
	if sess.DialogueID() == "" {
		t.Fatalf("expected dialogue session created lazily")
	}
}

func TestCooldownSuppressesBackToBackTurns(t *testing.T) {
	sttc := &fakeSTT{text: "hello"}
	back := &fakeBackend{reply: dialogue.Reply{Text: "hi"}}
	ctrl, reg, _, _ := newFixture(Config{SampleRate: 8000, Cooldown: time.Second}, sttc, back)
	sess, _ := reg.GetOrCreate("CA1", "")

	base := time.Unix(5000, 0)
	now := base
	ctrl.now = func() time.Time { return now }

	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())
	if len(back.advances) != 1 {
		t.Fatalf("first turn should run")
	}

	// 300ms later: inside the cooldown window.
	now = base.Add(300 * time.Millisecond)
	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())
	if len(back.advances) != 1 {
		t.Fatalf("turn inside cooldown must be suppressed")
	}

	// Past the cooldown.
	now = base.Add(3 * time.Second)
	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())
	if len(back.advances) != 2 {
		t.Fatalf("turn past cooldown should run, got %d advances", len(back.advances))
	}
}

func TestEmptyTranscriptIsNoTurn(t *testing.T) {
	sttc := &fakeSTT{text: "   "}
	back := &fakeBackend{}
	ctrl, reg, ttsc, _ := newFixture(Config{SampleRate: 8000}, sttc, back)
	sess, _ := reg.GetOrCreate("CA1", "")

	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())

	if len(back.advances) != 0 {
		t.Fatalf("whitespace transcript must not reach the dialogue")
	}
	if len(ttsc.spoken()) != 0 {
		t.Fatalf("no audio expected")
	}
	if !sess.LastTurn().IsZero() {
		t.Fatalf("no-turn must not start the cooldown clock")
	}
}

func TestAdvanceErrorSpeaksApology(t *testing.T) {
	sttc := &fakeSTT{text: "hello"}
	back := &fakeBackend{advanceErr: errors.New("backend down")}
	ctrl, reg, ttsc, out := newFixture(Config{SampleRate: 8000}, sttc, back)
	sess, _ := reg.GetOrCreate("CA1", "")

	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())

	spoken := ttsc.spoken()
	if len(spoken) != 1 || !strings.Contains(spoken[0], "didn't catch that") {
		t.Fatalf("expected apology, got %v", spoken)
	}
	if out.count() == 0 {
		t.Fatalf("apology audio must be enqueued")
	}
	if _, ok := reg.Get("CA1"); !ok {
		t.Fatalf("dialogue error must not tear down the call")
	}
	if sess.LastTurn().IsZero() {
		t.Fatalf("failed turn still completes for cooldown purposes")
	}
}

func TestDoneReplyTearsDown(t *testing.T) {
	sttc := &fakeSTT{text: "goodbye"}
	back := &fakeBackend{reply: dialogue.Reply{Text: "thanks for your time", Done: true}}
	ctrl, reg, _, _ := newFixture(Config{SampleRate: 8000}, sttc, back)
	sess, _ := reg.GetOrCreate("CA1", "")

	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())

	if _, ok := reg.Get("CA1"); ok {
		t.Fatalf("completed dialogue must remove the session")
	}
	if len(back.ended) != 1 || back.ended[0] != "dlg-CA1" {
		t.Fatalf("expected backend session ended, got %v", back.ended)
	}
}

func TestConfidentSilenceSkipsTranscription(t *testing.T) {
	sttc := &fakeSTT{text: "should not be used"}
	back := &fakeBackend{}
	reg := session.NewRegistry()
	out := &collector{}
	ctrl := NewController(Config{SampleRate: 8000}, sttc, &fakeTTS{}, back, staticSkipper{skip: true}, reg, out.emit, nil, nil)
	sess, _ := reg.GetOrCreate("CA1", "")

	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), vad.Decision{Speech: false, Confidence: 0.1, Source: vad.SourceRemote})

	if atomic.LoadInt32(&sttc.calls) != 0 {
		t.Fatalf("confident silence must not be transcribed")
	}
	if len(back.advances) != 0 {
		t.Fatalf("no dialogue turn expected")
	}
}

func TestGreetingEmittedExactlyOnceUnderRace(t *testing.T) {
	back := &fakeBackend{greeting: "hi there, ready to start?"}
	ctrl, reg, ttsc, _ := newFixture(Config{SampleRate: 8000, GreetingEnabled: true}, &fakeSTT{}, back)
	sess, _ := reg.GetOrCreate("CA1", "")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ctrl.EnsureSession(context.Background(), sess, true)
		}()
	}
	wg.Wait()

	greetings := 0
	for _, text := range ttsc.spoken() {
		if text == "hi there, ready to start?" {
			greetings++
		}
	}
	if greetings != 1 {
		t.Fatalf("expected exactly one greeting, got %d", greetings)
	}
}

func TestStartErrorSpeaksApology(t *testing.T) {
	sttc := &fakeSTT{text: "hello"}
	back := &fakeBackend{startErr: errors.New("cannot create session")}
	ctrl, reg, ttsc, _ := newFixture(Config{SampleRate: 8000}, sttc, back)
	sess, _ := reg.GetOrCreate("CA1", "")

	ctrl.HandleUtterance(context.Background(), sess, speechUtterance(), speechDecision())

	spoken := ttsc.spoken()
	if len(spoken) != 1 || !strings.Contains(spoken[0], "didn't catch that") {
		t.Fatalf("expected apology on start failure, got %v", spoken)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	back := &fakeBackend{}
	ctrl, reg, _, _ := newFixture(Config{SampleRate: 8000}, &fakeSTT{}, back)
	sess, _ := reg.GetOrCreate("CA1", "")
	sess.SetDialogueID("dlg-CA1")

	ctrl.Teardown(sess, "call_end")
	ctrl.Teardown(sess, "call_end")

	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}
}
