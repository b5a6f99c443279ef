package vad

import "context"

// Source identifies which detector produced a decision.
type Source string

const (
	SourceLocal          Source = "local"
	SourceRemote         Source = "remote"
	SourceEnergyFallback Source = "energy_fallback"
)

// Decision is the outcome of classifying one audio frame.
type Decision struct {
	Speech     bool
	Confidence float64 // in [0,1]
	Source     Source
}

// RemoteProvider is a network VAD service. Detect returns a decision for
// raw 16-bit mono PCM; Health reports whether the service is usable.
type RemoteProvider interface {
	Health(ctx context.Context) error
	Detect(ctx context.Context, sessionID string, pcm []byte) (Decision, error)
}
