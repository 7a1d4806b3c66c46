// Package client implements the host side of the RPC bridge.
//
// A Bridge multiplexes many in-flight calls over one channel. Each call gets
// a one-byte id; the peer echoes that id in its response and the bridge uses
// it to find the waiting caller, so responses may arrive in any order.
//
//	caller-1 ──Send(id=0)──┐
//	caller-2 ──Send(id=1)──┼──▶ Scheduler ──▶ shared buffer ──▶ peer
//	caller-3 ──Send(id=2)──┘
//
//	tick: Framer ◀── response(id=1) ──▶ pending[1] ──▶ caller-2's Call completes
//
// Nothing moves between ticks. The tick source drives both directions; Send
// only queues.
package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpio-rpc/driver"
	"gpio-rpc/message"
	"gpio-rpc/metrics"
	"gpio-rpc/transport"
)

var (
	ErrProtocolDesync = errors.New("client: response for a call id with no pending invocation")
	ErrEmptyFrame     = errors.New("client: empty response frame")
	ErrIDsExhausted   = errors.New("client: all call ids are in flight")
	ErrStopped        = errors.New("client: bridge stopped")
	ErrClosed         = errors.New("client: bridge closed")
)

// NumIDs is the size of the call id space.
const NumIDs = 256

type pendingCall struct {
	call    *Call
	decoder message.ResultDecoder
}

// Bridge is the host end of one channel.
type Bridge struct {
	sched  *transport.Scheduler
	logger zerolog.Logger

	mu      sync.Mutex // guards everything below
	pending map[byte]*pendingCall
	cursor  int
	stopped bool
	closed  bool
	fault   error

	unsubscribe func()
	cancelTick  func()
}

// Option configures Connect.
type Option func(*options)

type options struct {
	usable int
	logger zerolog.Logger
}

// WithUsableSize caps each physical write below the channel capacity.
func WithUsableSize(n int) Option {
	return func(o *options) { o.usable = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Connect attaches a bridge to ch and registers its poll with ticks. A
// channel serves one bridge at a time; a second Connect fails with
// protocol.ErrDoubleSubscription until the first one stops.
func Connect(ch transport.Channel, ticks driver.TickSource, opts ...Option) (*Bridge, error) {
	o := options{usable: ch.Capacity(), logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	if o.usable <= 0 || o.usable > ch.Capacity() {
		o.usable = ch.Capacity()
	}

	b := &Bridge{
		sched: transport.NewScheduler(ch,
			transport.WithUsableSize(o.usable),
			transport.WithSide(metrics.SideHost),
			transport.WithSchedulerLogger(o.logger),
		),
		logger:  o.logger.With().Str("component", "bridge").Logger(),
		pending: make(map[byte]*pendingCall),
	}

	unsubscribe, err := ch.Framer().Subscribe(b.dispatch)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	// A previous bridge may have stopped mid-frame.
	ch.Framer().Reset()
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.cancelTick = ticks.Subscribe(func() error { return b.poll(ch) })
	b.mu.Unlock()

	b.logger.Debug().Int("usable", o.usable).Msg("bridge connected")
	return b, nil
}

// Send assigns a free call id, records the pending call and queues the frame.
// The returned Call completes when the matching response is dispatched; it
// never times out on its own.
func (b *Bridge) Send(inv *message.Invocation) (*Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return nil, ErrClosed
	case b.stopped:
		return nil, ErrStopped
	}

	id, ok := b.allocate()
	if !ok {
		return nil, ErrIDsExhausted
	}

	call := newCall(id, inv.RPC)
	if err := b.sched.Send(message.Message{ID: id, Payload: inv.Payload}); err != nil {
		return nil, err
	}
	b.pending[id] = &pendingCall{call: call, decoder: inv.Decoder}
	b.cursor = (int(id) + 1) % NumIDs

	metrics.RecordCall(inv.RPC, metrics.CallSent)
	metrics.SetPending(len(b.pending))
	b.logger.Debug().Uint8("call_id", id).Uint8("rpc_id", inv.RPC).Int("bytes", len(inv.Payload)).Msg("call sent")
	return call, nil
}

// allocate scans from the cursor for the first id with no pending call. The
// cursor sits one past the last id handed out, so a freed id is not reused
// until the scan wraps around to it.
func (b *Bridge) allocate() (byte, bool) {
	for i := 0; i < NumIDs; i++ {
		id := byte((b.cursor + i) % NumIDs)
		if _, busy := b.pending[id]; !busy {
			return id, true
		}
	}
	return 0, false
}

// poll is the bridge's tick: read whatever the peer wrote, then write the
// next window. A fatal error stops the bridge before it is returned.
func (b *Bridge) poll(ch transport.Channel) error {
	err := ch.Framer().Tick()
	if err == nil {
		err = b.sched.Tick()
	}
	if err != nil {
		b.mu.Lock()
		if b.fault == nil {
			b.fault = err
		}
		b.mu.Unlock()
		b.logger.Error().Err(err).Msg("bridge disconnected")
		b.Stop()
		if derr := ch.Framer().Drop(); derr != nil {
			b.logger.Warn().Err(derr).Msg("drop unread window")
		}
	}
	return err
}

// dispatch completes the pending call a response frame belongs to.
func (b *Bridge) dispatch(body []byte) error {
	msg, ok := message.FromBody(body)
	if !ok {
		return ErrEmptyFrame
	}
	metrics.RecordFrameReceived(metrics.SideHost)

	b.mu.Lock()
	p, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	n := len(b.pending)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrProtocolDesync, msg.ID)
	}
	metrics.SetPending(n)

	if p.decoder == nil {
		p.call.complete([]any{msg.Payload}, nil)
		metrics.RecordCall(p.call.RPC, metrics.CallCompleted)
		return nil
	}
	reply, err := p.decoder.Decode(msg.Payload)
	if err != nil {
		p.call.complete(nil, err)
		metrics.RecordCall(p.call.RPC, metrics.CallFailed)
		return fmt.Errorf("call %d: %w", msg.ID, err)
	}
	p.call.complete(reply, nil)
	metrics.RecordCall(p.call.RPC, metrics.CallCompleted)
	b.logger.Debug().Uint8("call_id", msg.ID).Uint8("rpc_id", p.call.RPC).Msg("call completed")
	return nil
}

// Stop detaches the bridge from its channel and tick source. Pending calls
// stay unresolved; Close fails them instead.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	unsubscribe, cancelTick := b.unsubscribe, b.cancelTick
	b.mu.Unlock()

	unsubscribe()
	cancelTick()
	b.logger.Debug().Msg("bridge stopped")
}

// Close stops the bridge and completes every pending call with ErrClosed.
func (b *Bridge) Close() error {
	b.Stop()

	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = make(map[byte]*pendingCall)
	b.mu.Unlock()

	for _, p := range pending {
		p.call.complete(nil, ErrClosed)
		metrics.RecordCall(p.call.RPC, metrics.CallFailed)
	}
	metrics.SetPending(0)
	return nil
}

// Pending returns the ids of calls still waiting, in ascending order.
func (b *Bridge) Pending() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]byte, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Queued returns the outbound bytes not yet written to the channel.
func (b *Bridge) Queued() int {
	return b.sched.Pending()
}

// Err returns the error that disconnected the bridge, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fault
}
