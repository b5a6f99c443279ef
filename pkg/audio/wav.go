package audio

import (
	"bytes"
	"encoding/binary"
	"time"
)

// WrapWAV prepends a RIFF/WAVE header to raw 16-bit mono PCM so it can
// be posted to providers that refuse headerless audio.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	buf := &bytes.Buffer{}
	dataSize := uint32(len(pcm))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, dataSize+36)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))           // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))            // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))   //
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)

	return buf.Bytes()
}

// PCMDuration reports how much playback time a mono PCM16 byte slice covers.
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(sampleRate)
}

// BytesForDuration is the inverse of PCMDuration, rounded down to a
// whole sample.
func BytesForDuration(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * 2
}
