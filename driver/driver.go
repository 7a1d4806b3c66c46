// Package driver supplies the periodic tick that moves everything else.
//
// Nothing in the stack runs on its own: the framer reads, the scheduler
// writes and the peer answers only when ticked. A TickSource calls every
// subscribed func once per tick, in subscription order, from one goroutine.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultRate matches a 60 fps host loop.
const DefaultRate = 60

// TickFunc is one unit of per-tick work. An error is fatal to the source.
type TickFunc func() error

// TickSource registers tick funcs. The returned cancel removes fn.
type TickSource interface {
	Subscribe(fn TickFunc) (cancel func())
}

type entry struct {
	id int
	fn TickFunc
}

type subscribers struct {
	mu      sync.Mutex
	next    int
	entries []entry
}

func (s *subscribers) Subscribe(fn TickFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.entries = append(s.entries, entry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// run calls every func once. Funcs may cancel subscriptions while running.
func (s *subscribers) run() error {
	s.mu.Lock()
	snapshot := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range snapshot {
		if err := e.fn(); err != nil {
			return err
		}
	}
	return nil
}

// Manual ticks only when told to. Tests use it to step both sides of a
// channel deterministically.
type Manual struct {
	subs subscribers
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Subscribe(fn TickFunc) func() {
	return m.subs.Subscribe(fn)
}

// Step runs one tick and returns the first error.
func (m *Manual) Step() error {
	return m.subs.run()
}

// StepN runs n ticks, stopping at the first error.
func (m *Manual) StepN(n int) error {
	for i := 0; i < n; i++ {
		if err := m.Step(); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}
	return nil
}

// Subscribers reports how many funcs are registered.
func (m *Manual) Subscribers() int {
	return m.subs.len()
}

// Loop ticks at a fixed rate, paced by a token bucket with burst 1.
type Loop struct {
	subs    subscribers
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewLoop returns a loop ticking hz times per second; hz <= 0 selects DefaultRate.
func NewLoop(hz float64, logger ...zerolog.Logger) *Loop {
	if hz <= 0 {
		hz = DefaultRate
	}
	l := &Loop{
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
		logger:  log.Logger,
	}
	if len(logger) > 0 {
		l.logger = logger[0]
	}
	l.logger = l.logger.With().Str("component", "driver").Logger()
	return l
}

func (l *Loop) Subscribe(fn TickFunc) func() {
	return l.subs.Subscribe(fn)
}

// Run ticks until ctx ends, returning nil, or until a tick func fails,
// returning its error.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Float64("hz", float64(l.limiter.Limit())).Msg("tick loop started")
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("tick loop stopped")
				return nil
			}
			return err
		}
		if err := l.subs.run(); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			l.logger.Error().Err(err).Msg("tick failed")
			return err
		}
	}
}
