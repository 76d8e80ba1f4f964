package audio

import "math"

// RMS returns the root-mean-square level of samples. An empty block yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Meter scales RMS levels into a UI-facing loudness value.
// The zero value reports raw RMS.
type Meter struct {
	// Gain multiplies the RMS level. Zero or negative means 1.
	Gain float64
}

// Level returns the gained RMS level of samples, clamped to [0, 1].
func (m Meter) Level(samples []float32) float64 {
	g := m.Gain
	if g <= 0 {
		g = 1
	}
	return min(RMS(samples)*g, 1)
}
