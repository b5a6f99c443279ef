package stt

import "context"

// Transcriber defines the contract for any STT vendor implementation.
// Transcribe is blocking: one utterance of 16-bit mono PCM in, final
// text out. An empty transcript with nil error is a valid outcome.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Transcribe converts one utterance of audio into text.
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SampleRate int
	Language   string
}
