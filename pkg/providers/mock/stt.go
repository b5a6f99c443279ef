package mock

import (
	"context"
	"sync"

	"github.com/sonara-ai/sonara/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcripts are returned in order; after the script runs out the
	// last entry repeats. Empty script returns "mock transcript".
	Transcripts []string
	Err         error
}

type STT struct {
	cfg STTConfig
	mu  sync.Mutex
	idx int

	// Audio keeps every utterance passed in, for assertions.
	Audio [][]byte
}

func NewSTT(cfg STTConfig) *STT {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"mock transcript"}
	}
	return &STT{cfg: cfg}
}

func (s *STT) Name() string { return "mock_stt" }

func (s *STT) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Err != nil {
		return "", s.cfg.Err
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Audio = append(s.Audio, cp)

	text := s.cfg.Transcripts[s.idx]
	if s.idx < len(s.cfg.Transcripts)-1 {
		s.idx++
	}
	return text, nil
}

// Utterances returns a copy of every utterance transcribed so far.
func (s *STT) Utterances() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Audio...)
}

var _ stt.Transcriber = (*STT)(nil)
