package tts

import "context"

// Synthesizer defines the contract for any TTS vendor implementation.
// Synthesize is blocking: reply text in, 16-bit mono PCM out at the
// configured sample rate. Empty or whitespace-only text yields empty
// audio and nil error.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize renders text to audio.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SampleRate int
	Voice      string
}
