// Package server emulates the peer end of the bridge.
//
// The real peer is a program running on the other side of the shared buffer.
// Server plays that role in-process so the host stack can be exercised
// without it:
//
//	tick → Framer(PeerGate) → receive → inbox
//	     → drain: Middleware Chain → HandlerFunc → EncodeResults → Scheduler
//	     → Scheduler.Tick → shared buffer
//
// Requests are answered in the order they arrive. A rate limit, if set, holds
// excess requests in the inbox until a later tick.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpio-rpc/descriptor"
	"gpio-rpc/driver"
	"gpio-rpc/message"
	"gpio-rpc/metrics"
	"gpio-rpc/middleware"
	"gpio-rpc/transport"
)

var (
	ErrUnknownRPC       = errors.New("server: unknown rpc id")
	ErrMalformedRequest = errors.New("server: request has no rpc id")
)

type route struct {
	desc    *descriptor.Descriptor
	handler middleware.HandlerFunc
}

// Server answers requests arriving on one PeerChannel.
type Server struct {
	ch     *transport.PeerChannel
	sched  *transport.Scheduler
	ctx    context.Context
	logger zerolog.Logger
	limit  middleware.Middleware // nil when unthrottled

	mu          sync.Mutex // guards everything below
	routes      map[byte]*route
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // built on first drain after Use
	inbox       []*message.Request

	unsubscribe func()
	cancelTick  func()
}

type Option func(*Server)

// WithRateLimit admits at most r requests per second with the given burst.
// Requests over the limit stay queued for later ticks.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Server) {
		if r > 0 {
			s.limit = middleware.RateLimitMiddleware(r, max(burst, 1))
		}
	}
}

// WithContext sets the context handlers run under.
func WithContext(ctx context.Context) Option {
	return func(s *Server) { s.ctx = ctx }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer binds a server to ch. Like a bridge, a server is the only
// consumer of its channel.
func NewServer(ch *transport.PeerChannel, opts ...Option) (*Server, error) {
	s := &Server{
		ch:     ch,
		ctx:    context.Background(),
		logger: log.Logger,
		routes: make(map[byte]*route),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "peer").Logger()
	s.sched = transport.NewScheduler(ch,
		transport.WithUsableSize(ch.Capacity()),
		transport.WithSide(metrics.SidePeer),
		transport.WithSchedulerLogger(s.logger),
	)

	unsubscribe, err := ch.Framer().Subscribe(s.receive)
	if err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	s.unsubscribe = unsubscribe
	return s, nil
}

// Register binds a handler to the descriptor's id. The handler receives the
// decoded inputs and must return exactly one value per output.
func (s *Server) Register(d *descriptor.Descriptor, h middleware.HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[d.ID()]; ok {
		return fmt.Errorf("%w: %d", descriptor.ErrDuplicateID, d.ID())
	}
	s.routes[d.ID()] = &route{desc: d, handler: h}
	return nil
}

// RegisterCatalog registers h for every descriptor in c that has one in hs.
func (s *Server) RegisterCatalog(c *descriptor.Catalog, hs map[byte]middleware.HandlerFunc) error {
	for _, d := range c.List() {
		h, ok := hs[d.ID()]
		if !ok {
			continue
		}
		if err := s.Register(d, h); err != nil {
			return err
		}
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	s.handler = nil
}

// Attach registers Tick with a tick source.
func (s *Server) Attach(ticks driver.TickSource) {
	cancel := ticks.Subscribe(s.Tick)
	s.mu.Lock()
	s.cancelTick = cancel
	s.mu.Unlock()
}

// Tick reads new requests, answers what the rate limit allows and writes the
// next window of responses.
func (s *Server) Tick() error {
	if err := s.ch.Framer().Tick(); err != nil {
		return err
	}
	if err := s.drain(); err != nil {
		return err
	}
	return s.sched.Tick()
}

// receive decodes one request frame into the inbox.
func (s *Server) receive(body []byte) error {
	msg, ok := message.FromBody(body)
	if !ok || len(msg.Payload) == 0 {
		return ErrMalformedRequest
	}
	metrics.RecordFrameReceived(metrics.SidePeer)

	rpc := msg.Payload[0]
	s.mu.Lock()
	r, ok := s.routes[rpc]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRPC, rpc)
	}
	args, err := r.desc.DecodeArgs(msg.Payload[1:])
	if err != nil {
		return fmt.Errorf("call %d: %w", msg.ID, err)
	}

	s.mu.Lock()
	s.inbox = append(s.inbox, &message.Request{CallID: msg.ID, RPC: rpc, Args: args})
	s.mu.Unlock()
	return nil
}

func (s *Server) drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler == nil {
		mws := s.middlewares
		if s.limit != nil {
			mws = append([]middleware.Middleware{s.limit}, mws...)
		}
		s.handler = middleware.Chain(mws...)(s.dispatch)
	}

	for len(s.inbox) > 0 {
		req := s.inbox[0]
		results, err := s.handler(s.ctx, req)
		if errors.Is(err, middleware.ErrRateLimited) {
			s.logger.Trace().Int("inbox", len(s.inbox)).Msg("throttled")
			return nil
		}
		if err != nil {
			return fmt.Errorf("call %d rpc %d: %w", req.CallID, req.RPC, err)
		}

		payload, err := s.routes[req.RPC].desc.EncodeResults(results...)
		if err != nil {
			return fmt.Errorf("call %d: %w", req.CallID, err)
		}
		if err := s.sched.Send(message.Message{ID: req.CallID, Payload: payload}); err != nil {
			return err
		}
		s.inbox = s.inbox[1:]
	}
	s.inbox = nil
	return nil
}

// dispatch is the innermost handler: it runs the route for req.RPC. It is
// called with s.mu held.
func (s *Server) dispatch(ctx context.Context, req *message.Request) ([]any, error) {
	return s.routes[req.RPC].handler(ctx, req)
}

// Hold keeps PeerLock raised while fn runs, so the host cannot write.
func (s *Server) Hold(fn func() error) error {
	if err := s.ch.SetLock(true); err != nil {
		return err
	}
	defer func() {
		if err := s.ch.SetLock(false); err != nil {
			s.logger.Error().Err(err).Msg("release peer lock")
		}
	}()
	return fn()
}

// Inbox returns the number of requests waiting for a handler.
func (s *Server) Inbox() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// Queued returns the response bytes not yet written.
func (s *Server) Queued() int {
	return s.sched.Pending()
}

// Shutdown detaches the server from its channel and tick source. Queued
// requests and responses are dropped.
func (s *Server) Shutdown() {
	s.mu.Lock()
	unsubscribe, cancelTick := s.unsubscribe, s.cancelTick
	s.unsubscribe, s.cancelTick = nil, nil
	s.inbox = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancelTick != nil {
		cancelTick()
	}
	s.logger.Debug().Msg("peer shut down")
}
