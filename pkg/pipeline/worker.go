package pipeline

import (
	"log/slog"
	"time"

	"github.com/sonara-ai/sonara/pkg/frames"
	"github.com/sonara-ai/sonara/pkg/metrics"
	"github.com/sonara-ai/sonara/pkg/segment"
	"github.com/sonara-ai/sonara/pkg/session"
	"github.com/sonara-ai/sonara/pkg/turn"
	"github.com/sonara-ai/sonara/pkg/vad"
)

// worker owns one call: it consumes that call's frames in arrival
// order and runs segmentation and turns inline. Because the turn
// executes inside this goroutine, turns are naturally single-flight
// and ordered per call.
type worker struct {
	sess     *session.CallSession
	in       chan frames.Frame
	seg      *segment.Segmenter
	arb      *vad.Arbitrator
	ctrl     *turn.Controller
	logger   *slog.Logger
	observer metrics.Observer
	done     chan struct{}
}

func newWorker(
	sess *session.CallSession,
	seg *segment.Segmenter,
	arb *vad.Arbitrator,
	ctrl *turn.Controller,
	logger *slog.Logger,
	observer metrics.Observer,
	buffer int,
) *worker {
	if buffer <= 0 {
		buffer = 512
	}
	return &worker{
		sess:     sess,
		in:       make(chan frames.Frame, buffer),
		seg:      seg,
		arb:      arb,
		ctrl:     ctrl,
		logger:   logger.With(slog.String("call_id", sess.CallID)),
		observer: observer,
		done:     make(chan struct{}),
	}
}

// offer hands a frame to the worker without blocking the dispatcher.
// Returns false when the buffer is full and the frame was dropped.
func (w *worker) offer(f frames.Frame) bool {
	select {
	case w.in <- f:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.sess.Ctx.Done():
			w.seg.Reset()
			return
		case f := <-w.in:
			if f == nil {
				continue
			}
			switch f.Kind() {
			case frames.KindAudio:
				w.handleAudio(f.(frames.AudioFrame))
			case frames.KindSystem:
				sf := f.(frames.SystemFrame)
				if sf.Name() == frames.SystemCallEnd {
					reason := sf.Meta()[frames.MetaCallEndReason]
					w.seg.Reset()
					w.ctrl.Teardown(w.sess, reason)
					return
				}
			}
		}
	}
}

// handleAudio classifies one frame, advances the segmenter, and runs a
// turn on flush. A panic anywhere in the turn path resets the
// segmenter so the call survives.
func (w *worker) handleAudio(af frames.AudioFrame) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("turn handler panicked, resetting segmenter",
				slog.Any("panic", r))
			w.seg.Reset()
		}
	}()

	w.sess.Touch()
	pcm := af.RawPayload()
	// Per-frame decisions stay local: a network round trip per 20ms
	// frame would stall the worker and overflow its buffer.
	d := w.arb.ClassifyFrame(pcm)

	utt, flushed := w.seg.Feed(pcm, d.Speech, af.PTS())
	frames.ReleaseAudioFrame(af)
	if !flushed {
		return
	}

	w.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventUtteranceFlushed,
		Time:  time.Now(),
		Value: float64(utt.EndPTS-utt.StartPTS) / float64(time.Millisecond),
		Tags:  map[string]string{"call_id": w.sess.CallID},
		Fields: map[string]any{
			"bytes":  len(utt.Data),
			"forced": utt.Forced,
		},
	})

	// One utterance-level decision feeds the skip check; the remote
	// service sees the whole buffer rather than a 20ms slice.
	uttDecision := w.arb.Arbitrate(w.sess.Ctx, w.sess.CallID, utt.Data)
	w.ctrl.HandleUtterance(w.sess.Ctx, w.sess, utt, uttDecision)
}
