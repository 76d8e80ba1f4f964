package s2s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/coder/websocket"
)

// Compile-time interface assertion.
var _ SessionHandle = (*Stream)(nil)

const (
	defaultSendQueue        = 64
	defaultEventBuffer      = 64
	defaultKeepalive        = 20 * time.Second
	defaultKeepaliveTimeout = 5 * time.Second
	defaultFlushTimeout     = 2 * time.Second
)

// Codec translates between a remote protocol's wire messages and the
// session's commands and events. A Codec instance belongs to one [Stream] and
// is only called from that stream's goroutines, one call at a time per
// direction.
type Codec interface {
	// Decode translates one inbound message into zero or more events. ready
	// reports that the message completed the opening handshake. A non-nil
	// error marks the message as malformed; it is logged and skipped. Fatal
	// remote errors are reported as a [Closed] event instead.
	Decode(data []byte) (events []Event, ready bool, err error)

	// EncodeAudio returns the wire messages carrying one audio frame.
	EncodeAudio(chunk audio.EncodedChunk) ([][]byte, error)

	// EncodeToolResult returns the wire messages carrying one tool result.
	EncodeToolResult(result ToolResult) ([][]byte, error)
}

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithSendQueue sets the capacity of the outbound audio queue. Frames sent
// while the queue is full are dropped with [ErrTransientSend].
func WithSendQueue(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithKeepalive sets the ping interval and timeout. An interval of zero
// disables keepalive pings.
func WithKeepalive(interval, timeout time.Duration) StreamOption {
	return func(s *Stream) {
		s.keepalive = interval
		if timeout > 0 {
			s.keepaliveTimeout = timeout
		}
	}
}

// WithFlushTimeout bounds how long Close waits for queued tool results to be
// written before tearing the connection down.
func WithFlushTimeout(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.flushTimeout = d
		}
	}
}

// Stream is a [SessionHandle] over a WebSocket connection. It owns three
// goroutines: a reader that decodes inbound messages into the ordered event
// stream, a writer that serialises outbound commands, and a keepalive pinger.
//
// Commands issued before the handshake completes are buffered and flushed in
// order once it does. Tool results are never dropped; audio frames are dropped
// when the bounded queue overflows.
type Stream struct {
	conn  *websocket.Conn
	codec Codec
	name  string
	log   *slog.Logger

	queueSize        int
	keepalive        time.Duration
	keepaliveTimeout time.Duration
	flushTimeout     time.Duration

	media  chan []byte
	wake   chan struct{}
	events chan Event

	mu      sync.Mutex
	control [][]byte
	closed  bool // set by Close or when the remote ends the session

	ready     chan struct{}
	readyOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	failErr   error

	stopWrite  chan struct{}
	writerDone chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStream wraps conn and starts the session goroutines. name labels log
// lines and errors (e.g. "gemini"). The stream starts in the opening state:
// call [Stream.WriteNow] for handshake messages and [Stream.Ready] to wait for
// the remote to accept the session.
func NewStream(conn *websocket.Conn, name string, codec Codec, opts ...StreamOption) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:             conn,
		codec:            codec,
		name:             name,
		log:              slog.Default().With("provider", name),
		queueSize:        defaultSendQueue,
		keepalive:        defaultKeepalive,
		keepaliveTimeout: defaultKeepaliveTimeout,
		flushTimeout:     defaultFlushTimeout,
		wake:             make(chan struct{}, 1),
		events:           make(chan Event, defaultEventBuffer),
		ready:            make(chan struct{}),
		failed:           make(chan struct{}),
		stopWrite:        make(chan struct{}),
		writerDone:       make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.media = make(chan []byte, s.queueSize)

	s.wg.Add(2)
	go s.readLoop()
	go s.keepaliveLoop()
	go s.writeLoop()
	return s
}

// WriteNow writes a handshake message directly, bypassing the command queue.
// It is meant for the setup message that precedes [Stream.Ready].
func (s *Stream) WriteNow(ctx context.Context, data []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %s: write handshake: %w", ErrConnect, s.name, err)
	}
	return nil
}

// Ready blocks until the remote completes the handshake, the remote closes
// the connection, or ctx is done. Failures wrap [ErrConnect] or
// [ErrUnsupportedConfig].
func (s *Stream) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}
	select {
	case <-s.ready:
		return nil
	case <-s.failed:
		return s.failErr
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: handshake: %w", ErrConnect, s.name, ctx.Err())
	}
}

// ── SessionHandle ─────────────────────────────────────────────────────────────

// SendAudio queues one audio frame without blocking.
func (s *Stream) SendAudio(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrNotOpen
	}

	msgs, err := s.codec.EncodeAudio(chunk)
	if err != nil {
		return fmt.Errorf("s2s: %s: encode audio: %w", s.name, err)
	}
	for _, m := range msgs {
		select {
		case s.media <- m:
		default:
			return ErrTransientSend
		}
	}
	return nil
}

// SendToolResult queues a tool result. Queued results are written ahead of
// any pending audio and are flushed by Close.
func (s *Stream) SendToolResult(result ToolResult) error {
	msgs, err := s.codec.EncodeToolResult(result)
	if err != nil {
		return fmt.Errorf("s2s: %s: encode tool result: %w", s.name, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStaleToolResult
	}
	s.control = append(s.control, msgs...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Events returns the ordered inbound event stream.
func (s *Stream) Events() <-chan Event { return s.events }

// Close flushes queued tool results, closes the connection and waits for the
// session goroutines to exit. Events still buffered are discarded. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stopWrite)
		select {
		case <-s.writerDone:
		case <-time.After(s.flushTimeout):
			s.log.Warn("s2s: tool result flush timed out")
		}

		s.cancel()
		<-s.writerDone
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
		audio.Drain(s.events)
	})
	return nil
}

// ── goroutines ────────────────────────────────────────────────────────────────

// readLoop owns s.events and closes it on exit.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			reason := s.readError(err)
			s.markRemoteClosed(reason)
			s.emit(Closed{Reason: reason})
			return
		}

		events, ready, err := s.codec.Decode(data)
		if err != nil {
			s.log.Debug("s2s: skipping malformed message", "err", err)
			continue
		}
		if ready {
			s.readyOnce.Do(func() { close(s.ready) })
		}
		for _, ev := range events {
			if c, ok := ev.(Closed); ok {
				s.markRemoteClosed(c.Reason)
				s.emit(c)
				return
			}
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *Stream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// readError maps a read failure to a Closed reason. Normal closures yield nil.
func (s *Stream) readError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return fmt.Errorf("s2s: %s: connection lost: %w", s.name, err)
}

// markRemoteClosed rejects further sends and, if the handshake had not yet
// completed, records why it failed.
func (s *Stream) markRemoteClosed(reason error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.failOnce.Do(func() {
		switch {
		case reason == nil:
			s.failErr = fmt.Errorf("%w: %s: remote closed during handshake", ErrConnect, s.name)
		case errors.Is(reason, ErrUnsupportedConfig):
			s.failErr = reason
		case isConfigRejection(reason):
			s.failErr = fmt.Errorf("%w: %s: %w", ErrUnsupportedConfig, s.name, reason)
		default:
			s.failErr = fmt.Errorf("%w: %w", ErrConnect, reason)
		}
		close(s.failed)
	})
}

// isConfigRejection reports whether the remote closed the socket because it
// refused the session parameters.
func isConfigRejection(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusInvalidFramePayloadData, websocket.StatusPolicyViolation:
		return true
	}
	return false
}

func (s *Stream) writeLoop() {
	defer close(s.writerDone)

	select {
	case <-s.ready:
	case <-s.stopWrite:
		return
	case <-s.ctx.Done():
		return
	}

	for {
		s.flushControl()
		select {
		case data := <-s.media:
			s.write(data)
		case <-s.wake:
		case <-s.stopWrite:
			s.flushControl()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) flushControl() {
	for {
		s.mu.Lock()
		if len(s.control) == 0 {
			s.mu.Unlock()
			return
		}
		data := s.control[0]
		s.control = s.control[1:]
		s.mu.Unlock()
		s.write(data)
	}
}

func (s *Stream) write(data []byte) {
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil && s.ctx.Err() == nil {
		s.log.Debug("s2s: write failed", "err", err)
	}
}

// keepaliveLoop pings the remote. A failed ping drops the connection, which the
// reader reports as a fatal Closed event.
func (s *Stream) keepaliveLoop() {
	defer s.wg.Done()
	if s.keepalive <= 0 {
		return
	}

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, s.keepaliveTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.log.Warn("s2s: keepalive ping failed", "err", err)
				_ = s.conn.CloseNow()
				return
			}
		}
	}
}
