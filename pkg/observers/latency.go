// Package observers holds metrics.Observer implementations that turn
// pipeline events into operator-facing log lines.
package observers

import (
	"log/slog"
	"sync"

	"github.com/sonara-ai/sonara/pkg/metrics"
)

// TurnLatencyObserver collects per-stage timings for the current turn
// of each call and logs one consolidated line when the turn completes.
// Stage events carry durations in milliseconds in Value.
type TurnLatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTimings
	log   *slog.Logger
}

type turnTimings struct {
	transcribeMS float64
	dialogueMS   float64
	synthesizeMS float64
}

func NewTurnLatencyObserver(log *slog.Logger) *TurnLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &TurnLatencyObserver{
		turns: make(map[string]*turnTimings),
		log:   log,
	}
}

func (o *TurnLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[callID]
	if t == nil {
		t = &turnTimings{}
		o.turns[callID] = t
	}
	switch ev.Name {
	case metrics.EventTurnTranscribe:
		t.transcribeMS = ev.Value
	case metrics.EventTurnDialogue:
		t.dialogueMS = ev.Value
	case metrics.EventTurnSynthesize:
		t.synthesizeMS = ev.Value
	case metrics.EventTurnTotal:
		o.log.Info("turn_latency",
			"call_id", callID,
			"transcribe_ms", t.transcribeMS,
			"dialogue_ms", t.dialogueMS,
			"synthesize_ms", t.synthesizeMS,
			"total_ms", ev.Value,
		)
		delete(o.turns, callID)
	case metrics.EventTurnSkippedSilent:
		// Skipped utterances never produce a total; drop any partial
		// timings so the next turn starts clean.
		delete(o.turns, callID)
	}
}
