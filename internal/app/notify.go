package app

import (
	"log/slog"
	"sync"
)

// notifyQueueSize bounds the number of undelivered subscriber notifications.
const notifyQueueSize = 256

// subscriber is the single registered callback of one event kind. id tells a
// stale unsubscribe apart from the current registration.
type subscriber[F any] struct {
	id uint64
	fn F
}

// dispatcher runs subscriber callbacks on its own goroutine so that the audio
// and transport paths never wait on user code. Best-effort notifications go
// through a bounded queue; reliable ones through an unbounded FIFO that keeps
// their posting order.
type dispatcher struct {
	queue    chan func()
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	reliable []func()
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		queue: make(chan func(), notifyQueueSize),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case fn := <-d.queue:
			d.call(fn)
		case <-d.wake:
			d.drainReliable()
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) drainReliable() {
	for {
		d.mu.Lock()
		batch := d.reliable
		d.reliable = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			select {
			case <-d.done:
				return
			default:
			}
			d.call(fn)
		}
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("app: subscriber panicked", "panic", r)
		}
	}()
	fn()
}

// post queues fn without blocking. It reports false when the queue is full
// or the dispatcher stopped; the notification is then dropped.
func (d *dispatcher) post(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- fn:
		return true
	default:
		return false
	}
}

// postReliable queues fn regardless of backlog. Reliable notifications run
// in the order they were posted. The caller never blocks.
func (d *dispatcher) postReliable(fn func()) {
	select {
	case <-d.done:
		return
	default:
	}
	d.mu.Lock()
	d.reliable = append(d.reliable, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
