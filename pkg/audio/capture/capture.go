// Package capture turns a live microphone stream into fixed-size audio frames.
//
// A [Device] yields raw little-endian int16 mono PCM; a [Pipeline] slices it
// into [audio.FrameSize]-sample frames on its own goroutine and hands each one
// to a callback. The callback runs on the capture goroutine and must not block
// on network I/O.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/eburon/pkg/audio"
)

// ErrDeviceUnavailable is returned when the input device cannot be acquired:
// no device exists, permission was denied, or the capture backend is missing.
var ErrDeviceUnavailable = errors.New("capture: input device unavailable")

// Device opens a PCM input stream at the requested sample rate. Closing the
// returned reader releases the device.
type Device interface {
	Open(ctx context.Context, sampleRate int) (io.ReadCloser, error)
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize overrides the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithSampleRate overrides the capture sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithErrorHandler registers a callback for fatal capture errors. It is
// called at most once per Start, from the capture goroutine, after the device
// has been released.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// Pipeline owns one input device while started.
type Pipeline struct {
	device     Device
	frameSize  int
	sampleRate int
	onError    func(error)

	mu      sync.Mutex
	stream  io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a Pipeline reading from device at [audio.InputSampleRate] in
// [audio.FrameSize]-sample frames.
func New(device Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:     device,
		frameSize:  audio.FrameSize,
		sampleRate: audio.InputSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SampleRate returns the rate frames are produced at.
func (p *Pipeline) SampleRate() int { return p.sampleRate }

// Start acquires the device and begins invoking onFrame once per captured
// frame until Stop. Failures to open the device wrap [ErrDeviceUnavailable].
// Calling Start on a running pipeline is an error.
func (p *Pipeline) Start(ctx context.Context, onFrame func(audio.AudioFrame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("capture: pipeline already started")
	}

	stream, err := p.device.Open(ctx, p.sampleRate)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.stream = stream
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.run(runCtx, stream, p.done, onFrame)
	return nil
}

// Stop releases the device and waits for the capture goroutine to exit.
// Idempotent; safe to call when never started. onFrame is not invoked after
// Stop returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	stream, cancel, done := p.stream, p.cancel, p.done
	p.stream, p.cancel = nil, nil
	p.mu.Unlock()

	cancel()
	_ = stream.Close()
	<-done
}

// Encode converts a frame to a wire chunk tagged with its sample rate.
func (p *Pipeline) Encode(frame audio.AudioFrame) (audio.EncodedChunk, error) {
	if frame.SampleRate <= 0 {
		return audio.EncodedChunk{}, fmt.Errorf("capture: encode: frame has no sample rate")
	}
	return audio.EncodedChunk{
		Data:     audio.EncodePCM16(frame.Samples),
		MIMEType: audio.PCMMIMEType(frame.SampleRate),
	}, nil
}

func (p *Pipeline) run(ctx context.Context, r io.ReadCloser, done chan struct{}, onFrame func(audio.AudioFrame)) {
	defer close(done)

	buf := make([]byte, p.frameSize*2)
	var produced int
	for {
		_, err := io.ReadFull(r, buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			_ = r.Close()
			p.fail(err)
			return
		}

		samples, err := audio.DecodePCM16(buf)
		if err != nil {
			slog.Warn("capture: dropping undecodable frame", "err", err)
			continue
		}
		onFrame(audio.AudioFrame{
			Samples:    samples,
			SampleRate: p.sampleRate,
			Timestamp:  audio.SamplesDuration(produced, p.sampleRate),
		})
		produced += len(samples)
	}
}

func (p *Pipeline) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = fmt.Errorf("%w: input stream ended", ErrDeviceUnavailable)
	} else {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	slog.Error("capture: device failed", "err", err)

	p.mu.Lock()
	p.started = false
	if p.cancel != nil {
		p.cancel()
	}
	p.stream, p.cancel = nil, nil
	handler := p.onError
	p.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}
