// Package dialogue defines the conversation backend contract.
package dialogue

import "context"

// Reply is the backend's response to one user turn.
type Reply struct {
	Text string
	Done bool
}

// Backend drives the conversation. Start opens a backend session and
// returns its id plus the opening prompt; Advance feeds one transcript
// and returns the next reply; End releases the session and is
// best-effort.
type Backend interface {
	Name() string
	Start(ctx context.Context, userID string) (sessionID, greeting string, err error)
	Advance(ctx context.Context, sessionID, input string) (Reply, error)
	End(ctx context.Context, sessionID string) error
}
