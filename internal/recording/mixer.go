// Package recording mixes both sides of a conversation into one artifact.
//
// The [Mixer] receives microphone frames through CaptureTap and rendered
// output blocks through PlaybackTap. Each tap keeps its own cursor into one
// summed 24 kHz buffer, so the two directions line up by elapsed samples
// rather than by arrival time. Stop drains the buffer into a WAV artifact.
package recording

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/google/uuid"
)

// DefaultMaxDuration bounds how much audio one recording may hold.
const DefaultMaxDuration = 30 * time.Minute

// Artifact is a finished recording.
type Artifact struct {
	ID        string
	MIMEType  string
	Data      []byte
	Duration  time.Duration
	CreatedAt time.Time
}

// Empty reports whether the artifact carries no audio.
func (a Artifact) Empty() bool { return len(a.Data) == 0 }

// Option configures a [Mixer].
type Option func(*Mixer)

// WithSampleRate sets the rate of the summed destination.
func WithSampleRate(rate int) Option {
	return func(m *Mixer) {
		if rate > 0 {
			m.rate = rate
		}
	}
}

// WithMaxDuration caps the recording length. Audio past the cap is dropped.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.maxDuration = d
		}
	}
}

// WithClock overrides time.Now for artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Mixer) { m.now = now }
}

// Mixer sums capture and playback audio while recording.
//
// All exported methods are safe for concurrent use.
type Mixer struct {
	rate        int
	maxDuration time.Duration
	now         func() time.Time

	mu        sync.Mutex
	wired     bool
	recording bool
	buf       []float32
	capPos    int
	playPos   int
	truncated bool
}

// NewMixer creates an unwired Mixer.
func NewMixer(opts ...Option) *Mixer {
	m := &Mixer{
		rate:        audio.OutputSampleRate,
		maxDuration: DefaultMaxDuration,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Wire marks the destination as connected: both taps are routed into the
// mixer. Start is a no-op until Wire has been called.
func (m *Mixer) Wire() {
	m.mu.Lock()
	m.wired = true
	m.mu.Unlock()
}

// Unwire disconnects the taps and abandons any recording in progress.
func (m *Mixer) Unwire() {
	m.mu.Lock()
	m.wired = false
	m.recording = false
	m.resetLocked()
	m.mu.Unlock()
}

// Start begins accumulating. Restarting discards audio from a previous,
// unstopped recording.
func (m *Mixer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.wired {
		slog.Debug("recording: start ignored, no destination wired")
		return
	}
	m.resetLocked()
	m.recording = true
}

// Recording reports whether audio is being accumulated.
func (m *Mixer) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// CaptureTap adds a microphone frame. Frames at other rates are resampled.
func (m *Mixer) CaptureTap(frame audio.AudioFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recording {
		return
	}
	samples := frame.Samples
	if frame.SampleRate > 0 && frame.SampleRate != m.rate {
		samples = audio.Resample(samples, frame.SampleRate, m.rate)
	}
	m.capPos = m.addLocked(m.capPos, samples)
}

// PlaybackTap adds a rendered output block, already at the mixer rate.
func (m *Mixer) PlaybackTap(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recording {
		return
	}
	m.playPos = m.addLocked(m.playPos, samples)
}

// addLocked sums samples into the buffer at pos and returns the new cursor.
func (m *Mixer) addLocked(pos int, samples []float32) int {
	limit := audio.DurationSamples(m.maxDuration, m.rate)
	end := min(pos+len(samples), limit)
	if end < pos+len(samples) && !m.truncated {
		m.truncated = true
		slog.Warn("recording: maximum duration reached, dropping audio", "max", m.maxDuration)
	}
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]float32, end-len(m.buf))...)
	}
	for i := pos; i < end; i++ {
		m.buf[i] += samples[i-pos]
	}
	return end
}

// Stop ends the recording and returns the mixed audio as a WAV artifact.
// When recording was never started or captured nothing, the artifact is
// empty and the error is nil.
func (m *Mixer) Stop() (Artifact, error) {
	m.mu.Lock()
	buf := m.buf
	wasRecording := m.recording
	m.recording = false
	m.resetLocked()
	m.mu.Unlock()

	if !wasRecording || len(buf) == 0 {
		return Artifact{MIMEType: audio.WAVMIMEType, CreatedAt: m.now()}, nil
	}

	pcm := audio.EncodePCM16(buf)
	return Artifact{
		ID:        uuid.NewString(),
		MIMEType:  audio.WAVMIMEType,
		Data:      audio.EncodeWAV(pcm, m.rate),
		Duration:  audio.SamplesDuration(len(buf), m.rate),
		CreatedAt: m.now(),
	}, nil
}

func (m *Mixer) resetLocked() {
	m.buf = nil
	m.capPos = 0
	m.playPos = 0
	m.truncated = false
}
