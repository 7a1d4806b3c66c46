package transport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpio-rpc/message"
	"gpio-rpc/metrics"
	"gpio-rpc/protocol"
)

// Sink is the write side of the shared buffer.
type Sink interface {
	// Write stores up to one window of bytes and marks it ready.
	Write(p []byte) error
	// Writable reports whether the other side has released the buffer.
	Writable() (bool, error)
}

// Scheduler owns the outbound byte FIFO.
//
// Send appends whole frames; Tick moves at most one window of bytes into the
// sink when it is writable. Small frames share a window, large frames span
// several, and the framer on the far side stitches them back together.
type Scheduler struct {
	sink   Sink
	usable int
	side   string
	logger zerolog.Logger

	mu    sync.Mutex // guards queue; Send may run outside the tick goroutine
	queue bytes.Buffer
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithUsableSize caps the bytes moved per write.
func WithUsableSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.usable = n
		}
	}
}

// WithSide labels metrics and logs with metrics.SideHost or metrics.SidePeer.
func WithSide(side string) SchedulerOption {
	return func(s *Scheduler) { s.side = side }
}

func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

func NewScheduler(sink Sink, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		usable: protocol.UsableSize,
		side:   metrics.SideHost,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Str("side", s.side).Logger()
	return s
}

// Send encodes msg as one contiguous frame at the tail of the queue.
func (s *Scheduler) Send(msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := protocol.Encode(&s.queue, msg); err != nil {
		return fmt.Errorf("schedule frame %d: %w", msg.ID, err)
	}
	metrics.RecordFrameQueued(s.side)
	return nil
}

// Tick writes the head of the queue if the sink is writable. Bytes leave the
// queue only after the write succeeded.
func (s *Scheduler) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return nil
	}
	ok, err := s.sink.Writable()
	if err != nil {
		return fmt.Errorf("scheduler writable: %w", err)
	}
	if !ok {
		return nil
	}

	n := min(s.queue.Len(), s.usable)
	chunk := s.queue.Bytes()[:n]
	if err := s.sink.Write(chunk); err != nil {
		if errors.Is(err, ErrNotWritable) {
			// The other side took the buffer since Writable; retry next tick.
			return nil
		}
		return fmt.Errorf("scheduler write: %w", err)
	}
	s.queue.Next(n)

	metrics.RecordWrite(s.side, n)
	s.logger.Trace().Int("bytes", n).Int("queued", s.queue.Len()).Msg("window written")
	return nil
}

// Pending returns the number of queued bytes not yet written.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}
