package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDecode is returned when an inbound chunk cannot be turned into samples.
var ErrDecode = errors.New("audio: decode failure")

// EncodePCM16 converts float samples in [-1, 1] to little-endian int16 PCM.
// Values outside the range are clamped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM to float samples in [-1, 1).
// An odd byte count is reported as [ErrDecode].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d in PCM data", ErrDecode, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// ParsePCMRate extracts the sample rate from a descriptor such as
// "audio/pcm;rate=24000". When the rate parameter is absent, fallback is
// returned. Non-PCM MIME types are reported as [ErrDecode].
func ParsePCMRate(mimeType string, fallback int) (int, error) {
	parts := strings.Split(mimeType, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	if base != "audio/pcm" && base != "audio/l16" {
		return 0, fmt.Errorf("%w: unsupported mime type %q", ErrDecode, mimeType)
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, fmt.Errorf("%w: bad rate %q", ErrDecode, v)
		}
		return rate, nil
	}
	return fallback, nil
}

// DecodeChunk decodes an encoded chunk into samples and its sample rate.
// Chunks without a rate tag are assumed to be at fallbackRate.
func DecodeChunk(c EncodedChunk, fallbackRate int) ([]float32, int, error) {
	rate, err := ParsePCMRate(c.MIMEType, fallbackRate)
	if err != nil {
		return nil, 0, err
	}
	samples, err := DecodePCM16(c.Data)
	if err != nil {
		return nil, 0, err
	}
	return samples, rate, nil
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Resample resamples float mono samples from srcRate to dstRate with the same
// linear interpolation as [ResampleMono16], without the int16 round trip.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Clamp limits s to [-1, 1].
func Clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(Clamp(s)) * 32767)
	return int16(v)
}
