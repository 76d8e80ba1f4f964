// Package playback schedules decoded speech for gapless output.
//
// The [Scheduler] keeps a cursor, nextSlotStart, on the output clock. Each
// inbound chunk is decoded on a small worker pool and committed in arrival
// order: it starts at max(nextSlotStart, now) and advances the cursor by its
// duration. Interrupt stops everything that is scheduled or sounding and
// discards decodes still in flight.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// DefaultPulse is the output level reported while a slot plays when metering
// is off.
const DefaultPulse = 0.5

// Voice is one scheduled buffer on an [Output].
type Voice interface {
	// Stop silences the voice immediately. Idempotent.
	Stop()
	// Done is closed once the voice has finished playing or was stopped.
	Done() <-chan struct{}
}

// Output is an audio sink with its own clock.
type Output interface {
	// Now reports the output clock.
	Now() time.Duration
	// Schedule queues samples, already at the output rate, to start sounding
	// at the given clock time.
	Schedule(samples []float32, at time.Duration) Voice
}

// Hooks observe scheduling decisions. Every field is optional.
type Hooks struct {
	Scheduled   func(start, duration time.Duration)
	DecodeError func(err error)
	Interrupted func(stopped int)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithWorkers sets how many chunks may be decoded concurrently.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSampleRate sets the output rate. Chunks at other rates are resampled.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithLevelFunc registers the output-level callback. It receives the slot
// level when a slot is scheduled and 0 when nothing remains active.
func WithLevelFunc(fn func(level float64)) Option {
	return func(s *Scheduler) { s.levelFn = fn }
}

// WithPulse sets the fixed level reported for every slot.
func WithPulse(level float64) Option {
	return func(s *Scheduler) {
		if level >= 0 {
			s.pulse = level
		}
	}
}

// WithMeteredLevel reports each slot's measured loudness instead of a fixed
// pulse.
func WithMeteredLevel(m audio.Meter) Option {
	return func(s *Scheduler) { s.meter = &m }
}

// DecodeFunc decodes one chunk, returning samples and their sample rate.
type DecodeFunc func(c audio.EncodedChunk, rate int) ([]float32, int, error)

// WithDecoder replaces [audio.DecodeChunk] as the chunk decoder.
func WithDecoder(fn DecodeFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.decodeFn = fn
		}
	}
}

// WithHooks registers observation hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

type decoded struct {
	samples []float32
	err     error
}

type slot struct {
	voice    Voice
	start    time.Duration
	duration time.Duration
}

// Scheduler turns an ordered stream of audio chunks into back-to-back
// playback slots. All mutations of the slot set and cursor happen under one
// lock; decoding happens outside it.
type Scheduler struct {
	out     Output
	rate    int
	workers int
	pulse   float64
	meter   *audio.Meter
	levelFn func(float64)
	hooks   Hooks

	decodeFn DecodeFunc

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	next      time.Duration
	active    map[*slot]struct{}
	gen       uint64
	seq       uint64 // next arrival sequence number
	commitSeq uint64 // next sequence number to schedule
	pending   map[uint64]decoded
	closed    bool
}

// New creates a Scheduler writing to out.
func New(out Output, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		out:      out,
		rate:     audio.OutputSampleRate,
		workers:  2,
		pulse:    DefaultPulse,
		decodeFn: audio.DecodeChunk,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[*slot]struct{}),
		pending:  make(map[uint64]decoded),
	}
	for _, o := range opts {
		o(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.workers))
	s.next = out.Now()
	return s
}

// Enqueue hands a chunk to the decode pool. It never blocks on decoding.
// Chunks are scheduled in the order Enqueue was called.
func (s *Scheduler) Enqueue(chunk s2s.AudioChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	seq, gen := s.seq, s.gen
	s.seq++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		d := s.decode(chunk.Encoded())
		s.sem.Release(1)
		s.commit(seq, gen, d)
	}()
	return nil
}

func (s *Scheduler) decode(c audio.EncodedChunk) decoded {
	samples, rate, err := s.decodeFn(c, s.rate)
	if err != nil {
		return decoded{err: err}
	}
	if rate != s.rate {
		samples = audio.Resample(samples, rate, s.rate)
	}
	return decoded{samples: samples}
}

// commit stores a decode result and schedules every result that is now next
// in arrival order. Results from before the last Interrupt are discarded.
func (s *Scheduler) commit(seq, gen uint64, d decoded) {
	var levels []float64
	var scheduled []*slot

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.pending[seq] = d
	for {
		next, ok := s.pending[s.commitSeq]
		if !ok {
			break
		}
		delete(s.pending, s.commitSeq)
		s.commitSeq++

		if next.err != nil {
			slog.Warn("playback: dropping undecodable chunk", "err", next.err)
			if s.hooks.DecodeError != nil {
				s.hooks.DecodeError(next.err)
			}
			continue
		}
		if len(next.samples) == 0 {
			continue
		}
		sl := s.scheduleLocked(next.samples)
		scheduled = append(scheduled, sl)
		levels = append(levels, s.levelFor(next.samples))
	}
	s.mu.Unlock()

	for i, sl := range scheduled {
		if s.hooks.Scheduled != nil {
			s.hooks.Scheduled(sl.start, sl.duration)
		}
		if s.isActive(sl) {
			s.emit(levels[i])
		}
		s.wg.Add(1)
		go s.watch(sl)
	}
}

func (s *Scheduler) isActive(sl *slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sl]
	return ok
}

func (s *Scheduler) scheduleLocked(samples []float32) *slot {
	now := s.out.Now()
	start := max(s.next, now)
	dur := audio.SamplesDuration(len(samples), s.rate)
	sl := &slot{
		voice:    s.out.Schedule(samples, start),
		start:    start,
		duration: dur,
	}
	s.next = start + dur
	s.active[sl] = struct{}{}
	return sl
}

func (s *Scheduler) levelFor(samples []float32) float64 {
	if s.meter != nil {
		return s.meter.Level(samples)
	}
	return s.pulse
}

// watch retires a slot when its voice finishes.
func (s *Scheduler) watch(sl *slot) {
	defer s.wg.Done()
	<-sl.voice.Done()

	s.mu.Lock()
	_, ok := s.active[sl]
	delete(s.active, sl)
	idle := ok && len(s.active) == 0
	s.mu.Unlock()

	if idle {
		s.emit(0)
	}
}

func (s *Scheduler) emit(level float64) {
	if s.levelFn != nil {
		s.levelFn(level)
	}
}

// Interrupt stops every scheduled or sounding slot, resets the cursor to the
// output clock and discards decodes still in flight.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := s.flushLocked()
	s.mu.Unlock()

	for _, sl := range stopped {
		sl.voice.Stop()
	}
	if s.hooks.Interrupted != nil {
		s.hooks.Interrupted(len(stopped))
	}
	s.emit(0)
}

func (s *Scheduler) flushLocked() []*slot {
	stopped := make([]*slot, 0, len(s.active))
	for sl := range s.active {
		stopped = append(stopped, sl)
	}
	clear(s.active)
	clear(s.pending)
	s.gen++
	s.commitSeq = s.seq
	s.next = s.out.Now()
	return stopped
}

// Close interrupts playback, rejects further chunks and waits for decode
// workers to exit. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopped := s.flushLocked()
	s.mu.Unlock()

	s.cancel()
	for _, sl := range stopped {
		sl.voice.Stop()
	}
	s.wg.Wait()
	s.emit(0)
}

// NextSlotStart returns the cursor: the clock time the next chunk would start
// at if the output clock has not passed it.
func (s *Scheduler) NextSlotStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Active returns the number of slots scheduled or sounding.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
