package protocol

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Source is the read side of the shared buffer.
type Source interface {
	// Check returns a snapshot of the whole buffer, control byte included.
	Check() ([]byte, error)
	// Consume clears the ready bit once the window has been read.
	Consume() error
}

// Listener receives every complete frame body (id byte + payload).
type Listener func(body []byte) error

type framerState int

const (
	seekHeader framerState = iota
	readLengthHigh
	readLengthLow
	readBody
)

func (s framerState) String() string {
	switch s {
	case seekHeader:
		return "seek_header"
	case readLengthHigh:
		return "read_length_high"
	case readLengthLow:
		return "read_length_low"
	case readBody:
		return "read_body"
	}
	return "unknown"
}

// Framer rebuilds frames from bytes that arrive one window at a time. Its
// state survives between ticks, so a frame may span any number of windows
// and one window may complete several frames.
type Framer struct {
	src     Source
	gate    Gate
	maxBody int
	logger  zerolog.Logger

	mu       sync.Mutex // guards listener
	listener Listener

	state     framerState
	remaining int
	body      []byte
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithGate replaces HostGate, e.g. with PeerGate on the peer side.
func WithGate(g Gate) FramerOption {
	return func(f *Framer) { f.gate = g }
}

// WithMaxBody caps the declared body length. Longer frames are rejected.
func WithMaxBody(n int) FramerOption {
	return func(f *Framer) {
		if n > 0 && n <= MaxBody {
			f.maxBody = n
		}
	}
}

func WithLogger(l zerolog.Logger) FramerOption {
	return func(f *Framer) { f.logger = l }
}

func NewFramer(src Source, opts ...FramerOption) *Framer {
	f := &Framer{
		src:     src,
		gate:    HostGate,
		maxBody: MaxBody,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "framer").Logger()
	return f
}

// Subscribe installs the single listener. The returned func detaches it.
func (f *Framer) Subscribe(l Listener) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		return nil, ErrDoubleSubscription
	}
	f.listener = l
	return func() {
		f.mu.Lock()
		f.listener = nil
		f.mu.Unlock()
	}, nil
}

// Tick reads the window if the gate allows it, feeds every payload byte
// through the state machine and then clears the ready bit. If a frame or
// listener error occurs the ready bit is left set and the error returned.
func (f *Framer) Tick() error {
	buf, err := f.src.Check()
	if err != nil {
		return fmt.Errorf("framer check: %w", err)
	}
	if len(buf) == 0 || !f.gate(buf[0]) {
		return nil
	}
	for _, b := range buf[1:] {
		if err := f.Feed(b); err != nil {
			return err
		}
	}
	if err := f.src.Consume(); err != nil {
		return fmt.Errorf("framer consume: %w", err)
	}
	return nil
}

// Feed advances the state machine by one byte.
func (f *Framer) Feed(b byte) error {
	switch f.state {
	case seekHeader:
		if b != Padding {
			f.state = readLengthHigh
		}
	case readLengthHigh:
		f.remaining = int(b) << 8
		f.state = readLengthLow
	case readLengthLow:
		f.remaining |= int(b)
		if f.remaining > f.maxBody {
			n := f.remaining
			f.Reset()
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, f.maxBody)
		}
		f.body = make([]byte, 0, f.remaining)
		f.state = readBody
		if f.remaining == 0 {
			return f.emit()
		}
	case readBody:
		f.body = append(f.body, b)
		f.remaining--
		if f.remaining == 0 {
			return f.emit()
		}
	}
	return nil
}

// Reset drops any partial frame and returns to seeking a marker.
func (f *Framer) Reset() {
	f.state = seekHeader
	f.remaining = 0
	f.body = nil
}

// Drop abandons the current session: it clears any partial frame and, if the
// gate still passes, consumes the window a failed Tick left unread.
func (f *Framer) Drop() error {
	f.Reset()
	buf, err := f.src.Check()
	if err != nil {
		return fmt.Errorf("framer check: %w", err)
	}
	if len(buf) == 0 || !f.gate(buf[0]) {
		return nil
	}
	if err := f.src.Consume(); err != nil {
		return fmt.Errorf("framer consume: %w", err)
	}
	return nil
}

// Partial reports whether a frame is half read.
func (f *Framer) Partial() bool {
	return f.state != seekHeader
}

func (f *Framer) emit() error {
	body := f.body
	f.Reset()

	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()

	f.logger.Trace().Int("bytes", len(body)).Msg("frame complete")
	if l == nil {
		return nil
	}
	return l(body)
}
