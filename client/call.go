package client

import (
	"context"
	"sync"
)

// Call is the completion handle of one invocation. It completes exactly once.
type Call struct {
	ID  byte // Call id on the wire
	RPC byte // Procedure id

	once  sync.Once
	done  chan struct{}
	reply []any
	err   error
}

func newCall(id, rpc byte) *Call {
	return &Call{ID: id, RPC: rpc, done: make(chan struct{})}
}

func (c *Call) complete(reply []any, err error) {
	c.once.Do(func() {
		c.reply = reply
		c.err = err
		close(c.done)
	})
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the decoded results. It is only meaningful after Done.
func (c *Call) Result() ([]any, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until the call completes or ctx ends. Giving up on ctx does not
// withdraw the invocation: its id stays reserved until a response arrives or
// the bridge is closed.
func (c *Call) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
