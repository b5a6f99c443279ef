package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/sonara-ai/sonara/pkg/dialogue"
)

type DialogueConfig struct {
	Greeting  string
	Questions []string
	Closing   string
	StartErr  error
	AdvErr    error
}

// Dialogue walks callers through a fixed question script, one question
// per Advance, finishing with the closing line and Done.
type Dialogue struct {
	cfg DialogueConfig

	mu       sync.Mutex
	seq      int
	sessions map[string]int // session id -> next question index
	Ended    []string
}

func NewDialogue(cfg DialogueConfig) *Dialogue {
	if cfg.Greeting == "" {
		cfg.Greeting = "Hello! Ready for a few questions?"
	}
	if len(cfg.Questions) == 0 {
		cfg.Questions = []string{"What's your name?"}
	}
	if cfg.Closing == "" {
		cfg.Closing = "That's everything, thank you!"
	}
	return &Dialogue{cfg: cfg, sessions: make(map[string]int)}
}

func (d *Dialogue) Name() string { return "mock_dialogue" }

func (d *Dialogue) Start(ctx context.Context, userID string) (string, string, error) {
	if d.cfg.StartErr != nil {
		return "", "", d.cfg.StartErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := fmt.Sprintf("mock-%d", d.seq)
	d.sessions[id] = 0
	return id, d.cfg.Greeting, nil
}

func (d *Dialogue) Advance(ctx context.Context, sessionID, input string) (dialogue.Reply, error) {
	if d.cfg.AdvErr != nil {
		return dialogue.Reply{}, d.cfg.AdvErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.sessions[sessionID]
	if !ok {
		return dialogue.Reply{}, fmt.Errorf("mock dialogue: unknown session %s", sessionID)
	}
	if idx >= len(d.cfg.Questions) {
		return dialogue.Reply{Text: d.cfg.Closing, Done: true}, nil
	}
	d.sessions[sessionID] = idx + 1
	return dialogue.Reply{Text: d.cfg.Questions[idx]}, nil
}

func (d *Dialogue) End(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
	d.Ended = append(d.Ended, sessionID)
	return nil
}

var _ dialogue.Backend = (*Dialogue)(nil)
