// Package playback re-frames synthesized audio for transport pacing.
package playback

import (
	"time"

	"github.com/sonara-ai/sonara/pkg/frames"
)

// Quantum is the transport frame size. Telephony media streams expect
// 20ms packets.
const Quantum = 20 * time.Millisecond

// QuantumBytes is the PCM16 mono byte count of one quantum at rate.
func QuantumBytes(sampleRate int) int {
	return sampleRate * 2 * int(Quantum/time.Millisecond) / 1000
}

// Slice cuts a synthesized PCM buffer into quantum-sized audio frames
// with timestamps advancing one quantum per frame from startPTS. The
// final frame may be short; empty input yields no frames.
func Slice(callID string, pcm []byte, sampleRate int, startPTS int64, meta map[string]string) []frames.AudioFrame {
	q := QuantumBytes(sampleRate)
	if q <= 0 || len(pcm) == 0 {
		return nil
	}
	out := make([]frames.AudioFrame, 0, (len(pcm)+q-1)/q)
	pts := startPTS
	for off := 0; off < len(pcm); off += q {
		end := off + q
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, frames.NewAudioFrame(callID, pts, pcm[off:end], sampleRate, 1, meta))
		pts += int64(Quantum)
	}
	return out
}
