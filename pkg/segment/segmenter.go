// Package segment turns per-frame speech decisions into utterances.
package segment

import (
	"time"

	"github.com/sonara-ai/sonara/pkg/audio"
)

type State string

const (
	StateIdle      State = "idle"
	StateBuffering State = "buffering"
)

// FlushPolicy controls what happens after a max-duration forced flush.
type FlushPolicy string

const (
	// FlushPolicyIdle returns to idle; speech frames arriving right
	// after the flush start a new utterance.
	FlushPolicyIdle FlushPolicy = "idle"
	// FlushPolicyContinue stays buffering so ongoing speech is not
	// attributed to a fresh utterance boundary.
	FlushPolicyContinue FlushPolicy = "continue"
)

const (
	DefaultSilenceThreshold = 800 * time.Millisecond
	DefaultMaxUtterance     = 30 * time.Second
)

type Config struct {
	SilenceThreshold time.Duration
	MaxUtterance     time.Duration
	FlushPolicy      FlushPolicy
	SampleRate       int
}

func (c *Config) applyDefaults() {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	if c.FlushPolicy == "" {
		c.FlushPolicy = FlushPolicyIdle
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
}

// Utterance is a flushed speech buffer. PTS values are unix
// nanoseconds taken from the first and last speech frames.
type Utterance struct {
	Data     []byte
	StartPTS int64
	EndPTS   int64
	Forced   bool
}

// Segmenter is the per-call idle/buffering state machine. It is not
// safe for concurrent use; each call worker owns one instance.
type Segmenter struct {
	cfg      Config
	maxBytes int

	state         State
	buf           []byte
	startPTS      int64
	lastSpeechPTS int64
}

func New(cfg Config) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{
		cfg:      cfg,
		maxBytes: audio.BytesForDuration(cfg.MaxUtterance, cfg.SampleRate),
		state:    StateIdle,
	}
}

func (s *Segmenter) State() State { return s.state }

// Feed advances the state machine with one classified frame. Speech
// frames are appended to the buffer; silence frames are dropped and
// only move the silence clock. The returned bool reports whether an
// utterance was flushed.
func (s *Segmenter) Feed(pcm []byte, speech bool, pts int64) (Utterance, bool) {
	if speech {
		return s.feedSpeech(pcm, pts)
	}
	return s.feedSilence(pts)
}

func (s *Segmenter) feedSpeech(pcm []byte, pts int64) (Utterance, bool) {
	if s.state == StateIdle {
		s.state = StateBuffering
		s.startPTS = pts
		s.buf = s.buf[:0]
	}
	s.buf = append(s.buf, pcm...)
	s.lastSpeechPTS = pts

	if len(s.buf) >= s.maxBytes {
		return s.forcedFlush(pts), true
	}
	return Utterance{}, false
}

func (s *Segmenter) feedSilence(pts int64) (Utterance, bool) {
	if s.state != StateBuffering {
		return Utterance{}, false
	}
	if pts-s.lastSpeechPTS < int64(s.cfg.SilenceThreshold) {
		return Utterance{}, false
	}
	if len(s.buf) == 0 {
		// A continue-policy forced flush already took the buffer; the
		// trailing silence just settles the machine back to idle.
		s.state = StateIdle
		return Utterance{}, false
	}
	u := Utterance{
		Data:     s.take(),
		StartPTS: s.startPTS,
		EndPTS:   s.lastSpeechPTS,
	}
	s.state = StateIdle
	return u, true
}

func (s *Segmenter) forcedFlush(pts int64) Utterance {
	u := Utterance{
		Data:     s.take(),
		StartPTS: s.startPTS,
		EndPTS:   pts,
		Forced:   true,
	}
	if s.cfg.FlushPolicy == FlushPolicyContinue {
		s.startPTS = pts
	} else {
		s.state = StateIdle
	}
	return u
}

// Reset discards any buffered audio and returns to idle. Called on
// handler failure and call teardown so a bad turn never wedges the
// machine.
func (s *Segmenter) Reset() {
	s.state = StateIdle
	s.buf = s.buf[:0]
	s.startPTS = 0
	s.lastSpeechPTS = 0
}

func (s *Segmenter) take() []byte {
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	s.buf = s.buf[:0]
	return out
}
