package vad

import "math"

const DefaultThresholdRMS = 500.0

// EnergyClassifier is a stateless RMS energy detector over 16-bit
// little-endian mono PCM. Frames with RMS above the threshold are
// classified as speech.
type EnergyClassifier struct {
	threshold float64
}

func NewEnergyClassifier(thresholdRMS float64) *EnergyClassifier {
	if thresholdRMS <= 0 {
		thresholdRMS = DefaultThresholdRMS
	}
	return &EnergyClassifier{threshold: thresholdRMS}
}

func (c *EnergyClassifier) Classify(pcm []byte) Decision {
	rms := RMS(pcm)
	confidence := rms / c.threshold
	if confidence > 1.0 {
		confidence = 1.0
	}
	return Decision{
		Speech:     rms > c.threshold,
		Confidence: confidence,
		Source:     SourceLocal,
	}
}

// RMS computes root-mean-square amplitude of 16-bit little-endian
// samples. An odd trailing byte is ignored; empty input is 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
