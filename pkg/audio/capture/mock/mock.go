// Package mock provides a scripted capture.Device for tests.
//
// Write PCM into the device with Feed; the pipeline reads it as if it came
// from a microphone. CloseInput simulates the device disappearing.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/eburon/pkg/audio/capture"
)

// Device is a mock implementation of capture.Device backed by an io.Pipe.
type Device struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	openCalls  []int
	closeCalls int
	pw         *io.PipeWriter
	opened     chan struct{}
}

// NewDevice returns a Device ready to be opened.
func NewDevice() *Device {
	return &Device{opened: make(chan struct{}, 8)}
}

// Open records the requested sample rate and returns a fresh pipe reader.
func (d *Device) Open(_ context.Context, sampleRate int) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls = append(d.openCalls, sampleRate)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	pr, pw := io.Pipe()
	d.pw = pw
	select {
	case d.opened <- struct{}{}:
	default:
	}
	return &reader{PipeReader: pr, dev: d}, nil
}

// Opened is signalled after every successful Open.
func (d *Device) Opened() <-chan struct{} { return d.opened }

// Feed writes raw PCM to the currently open stream. It blocks until the
// pipeline has read it, and returns io.ErrClosedPipe once the stream is closed.
func (d *Device) Feed(pcm []byte) error {
	d.mu.Lock()
	pw := d.pw
	d.mu.Unlock()
	if pw == nil {
		return io.ErrClosedPipe
	}
	_, err := pw.Write(pcm)
	return err
}

// CloseInput ends the current stream with err, as if the device vanished.
func (d *Device) CloseInput(err error) {
	d.mu.Lock()
	pw := d.pw
	d.mu.Unlock()
	if pw != nil {
		_ = pw.CloseWithError(err)
	}
}

// OpenCalls returns the sample rates passed to Open. Thread-safe.
func (d *Device) OpenCalls() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.openCalls))
	copy(out, d.openCalls)
	return out
}

// CloseCount returns how many times an opened stream was closed. Thread-safe.
func (d *Device) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

type reader struct {
	*io.PipeReader
	dev  *Device
	once sync.Once
}

func (r *reader) Close() error {
	r.once.Do(func() {
		r.dev.mu.Lock()
		r.dev.closeCalls++
		r.dev.mu.Unlock()
		_ = r.PipeReader.Close()
	})
	return nil
}

// Ensure Device implements capture.Device at compile time.
var _ capture.Device = (*Device)(nil)
