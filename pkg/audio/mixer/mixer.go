package mixer

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/audio/playback"
)

// Compile-time interface assertion.
var _ playback.Output = (*Renderer)(nil)

const (
	// DefaultPeriod is the render block length.
	DefaultPeriod = 20 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the pending heap.
	defaultQueueCap = 16
)

// Option configures a [Renderer] during construction.
type Option func(*Renderer)

// WithPeriod sets the render block length.
func WithPeriod(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.period = d
		}
	}
}

// WithSampleRate sets the output sample rate.
func WithSampleRate(rate int) Option {
	return func(r *Renderer) {
		if rate > 0 {
			r.rate = rate
		}
	}
}

// WithTap registers a callback that receives every mixed block, including
// silence. The slice is only valid for the duration of the call.
func WithTap(fn func(samples []float32)) Option {
	return func(r *Renderer) { r.tap = fn }
}

// voice is one scheduled buffer. Positions are in samples on the render clock.
type voice struct {
	samples []float32
	start   int64
	seq     uint64

	once    sync.Once
	done    chan struct{}
	started bool // guarded by Renderer.mu
	stopped bool // guarded by Renderer.mu
}

// Renderer mixes scheduled voices into fixed-size blocks written to a sink.
//
// All exported methods are safe for concurrent use.
type Renderer struct {
	sink   io.Writer
	tap    func([]float32)
	rate   int
	period time.Duration

	mu       sync.Mutex
	pending  voiceHeap // not yet started, ordered by start
	playing  []*voice
	seq      uint64
	rendered int64 // samples written so far; the render clock
	sinkErr  bool
}

// New creates a Renderer writing s16le mono PCM to sink. sink may be nil when
// only the tap is wanted.
func New(sink io.Writer, opts ...Option) *Renderer {
	r := &Renderer{
		sink:    sink,
		rate:    audio.OutputSampleRate,
		period:  DefaultPeriod,
		pending: make(voiceHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(r)
	}
	heap.Init(&r.pending)
	return r
}

// Now returns the render clock: the duration of audio written so far.
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.SamplesDuration(int(r.rendered), r.rate)
}

// Schedule queues samples to start at the given clock time. A start time in
// the past begins with the next block.
func (r *Renderer) Schedule(samples []float32, at time.Duration) playback.Voice {
	v := &voice{
		samples: samples,
		start:   int64(audio.DurationSamples(at, r.rate)),
		done:    make(chan struct{}),
	}
	if len(samples) == 0 {
		v.finish()
		return &handle{r: r, v: v}
	}

	r.mu.Lock()
	r.seq++
	v.seq = r.seq
	heap.Push(&r.pending, v)
	r.mu.Unlock()
	return &handle{r: r, v: v}
}

// Run renders one block per period until ctx is done. Blocks are paced by
// the wall clock; the render clock only advances as blocks are written.
func (r *Renderer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return nil
		case <-ticker.C:
			r.Step()
		}
	}
}

// Step renders exactly one block. Run calls it on every tick; tests call it
// directly to drive the clock.
func (r *Renderer) Step() {
	n := audio.DurationSamples(r.period, r.rate)
	block := make([]float32, n)

	var finished []*voice

	r.mu.Lock()
	t0 := r.rendered
	t1 := t0 + int64(n)

	for r.pending.Len() > 0 && r.pending[0].start < t1 {
		v := heap.Pop(&r.pending).(*voice)
		if v.stopped {
			continue
		}
		r.playing = append(r.playing, v)
	}

	kept := r.playing[:0]
	for _, v := range r.playing {
		if v.stopped {
			continue
		}
		// A voice scheduled in the past begins at the start of its first block.
		if !v.started {
			v.start = max(v.start, t0)
			v.started = true
		}
		from := int(max(v.start-t0, 0))
		pos := int(max(t0-v.start, 0))
		for i := from; i < n && pos < len(v.samples); i++ {
			block[i] += v.samples[pos]
			pos++
		}
		if pos >= len(v.samples) {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(r.playing[len(kept):])
	r.playing = kept
	r.rendered = t1
	r.mu.Unlock()

	for i := range block {
		block[i] = audio.Clamp(block[i])
	}
	for _, v := range finished {
		v.finish()
	}

	if r.tap != nil {
		r.tap(block)
	}
	if r.sink != nil {
		if _, err := r.sink.Write(audio.EncodePCM16(block)); err != nil {
			r.mu.Lock()
			first := !r.sinkErr
			r.sinkErr = true
			r.mu.Unlock()
			if first {
				slog.Warn("mixer: sink write failed; dropping output", "err", err)
			}
		}
	}
}

// Active returns the number of voices pending or playing.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len() + len(r.playing)
}

func (r *Renderer) stopAll() {
	r.mu.Lock()
	all := append([]*voice(nil), r.playing...)
	for r.pending.Len() > 0 {
		all = append(all, heap.Pop(&r.pending).(*voice))
	}
	r.playing = nil
	r.mu.Unlock()
	for _, v := range all {
		v.finish()
	}
}

func (v *voice) finish() { v.once.Do(func() { close(v.done) }) }

// handle is the playback.Voice returned by Schedule.
type handle struct {
	r *Renderer
	v *voice
}

// Stop silences the voice from the next block on. Idempotent.
func (h *handle) Stop() {
	h.r.mu.Lock()
	h.v.stopped = true
	h.r.mu.Unlock()
	h.v.finish()
}

func (h *handle) Done() <-chan struct{} { return h.v.done }
