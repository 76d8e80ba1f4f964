// Package audio holds the sample types, PCM codecs and level metering shared
// by the capture, playback and recording paths.
package audio

import (
	"fmt"
	"time"
)

const (
	// InputSampleRate is the rate microphone audio is captured and sent at.
	InputSampleRate = 16000

	// OutputSampleRate is the rate the remote agent synthesises speech at.
	OutputSampleRate = 24000

	// FrameSize is the number of samples in one captured frame.
	FrameSize = 4096
)

// AudioFrame is a fixed-length block of mono linear PCM samples in the range
// [-1, 1]. Frames are produced by the capture pipeline; ownership passes to
// the consumer of the frame callback and the slice must not be retained by
// the producer afterwards.
type AudioFrame struct {
	// Samples holds mono float samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports how long the frame sounds at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// EncodedChunk is one frame of audio encoded for the wire: little-endian
// int16 PCM tagged with a MIME descriptor such as "audio/pcm;rate=16000".
type EncodedChunk struct {
	Data     []byte
	MIMEType string
}

// PCMMIMEType returns the MIME descriptor for raw 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// SamplesDuration converts a sample count at rate into a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d into a whole number of samples at rate,
// rounding to the nearest sample.
func DurationSamples(d time.Duration, rate int) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int((int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second))
}
