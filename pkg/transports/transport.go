package transports

import (
	"context"

	"github.com/sonara-ai/sonara/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for audio/control
// frames. Implementations own their network lifecycle; inbound frames
// arrive on Recv in call order, reply audio goes out through Send.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
