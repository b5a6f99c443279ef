package mock

import (
	"context"
	"sync"

	"github.com/sonara-ai/sonara/pkg/adapters/tts"
)

type TTSConfig struct {
	SampleRate int
	// BytesPerChar sizes the deterministic output; defaults to 160 so
	// short replies still span several playback quanta.
	BytesPerChar int
	Err          error
}

type TTS struct {
	cfg TTSConfig
	mu  sync.Mutex

	// Spoken keeps every synthesized text, for assertions.
	Spoken []string
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.BytesPerChar == 0 {
		cfg.BytesPerChar = 160
	}
	return &TTS{cfg: cfg}
}

func (s *TTS) Name() string { return "mock_tts" }

// Synthesize emits silent PCM sized by text length, so tests can
// reason about frame counts deterministically.
func (s *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.cfg.Err != nil {
		return nil, s.cfg.Err
	}
	if text == "" {
		return nil, nil
	}
	s.mu.Lock()
	s.Spoken = append(s.Spoken, text)
	s.mu.Unlock()
	n := len(text) * s.cfg.BytesPerChar
	if n%2 != 0 {
		n++
	}
	return make([]byte, n), nil
}

// SpokenTexts returns a copy of everything synthesized so far.
func (s *TTS) SpokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Spoken...)
}

var _ tts.Synthesizer = (*TTS)(nil)
