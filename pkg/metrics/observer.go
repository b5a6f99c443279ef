package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the pipeline. Values are durations in
// milliseconds unless noted otherwise.
const (
	EventUtteranceFlushed  = "utterance_flushed"   // value = utterance duration
	EventTurnTranscribe    = "turn_transcribe"     // stt latency
	EventTurnDialogue      = "turn_dialogue"       // dialogue latency
	EventTurnSynthesize    = "turn_synthesize"     // tts latency
	EventTurnTotal         = "turn_total"          // utterance flush -> reply audio queued
	EventTurnSkippedSilent = "turn_skipped_silent" // value = confidence
	EventVADProbe          = "vad_probe"           // probe latency, tag "healthy"
	EventSessionExpired    = "session_expired"     // value = idle seconds
)
