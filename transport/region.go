// Package transport moves frames through the shared buffer.
//
// A Region is the raw storage: a fixed number of bytes both sides can read
// and rewrite. HostChannel and PeerChannel put the control-bit conventions on
// top of a Region, one per side, and Scheduler drains an outbound FIFO into a
// channel one window at a time.
//
//	host Bridge ─ Scheduler ─▶ HostChannel ─┐
//	                                        ├─ Region (memory | etcd)
//	peer Server ─ Scheduler ─▶ PeerChannel ─┘
//
// The control bits are a cooperative protocol, not a lock: each side only
// touches the buffer when the bits say it may.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"gpio-rpc/protocol"
)

var (
	ErrNotWritable    = errors.New("transport: buffer not writable")
	ErrWindowOverflow = errors.New("transport: write larger than payload window")
)

// Region is the shared buffer storage.
type Region interface {
	// Size is the total buffer size, control byte included.
	Size() int
	// Snapshot returns a copy of the current contents.
	Snapshot() ([]byte, error)
	// Update runs fn on the contents and stores the result atomically with
	// respect to other Updates. If fn fails nothing is stored.
	Update(fn func(buf []byte) error) error
}

// MemRegion is an in-process Region.
type MemRegion struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemRegion returns a zeroed region; size <= 1 selects protocol.BufferSize.
func NewMemRegion(size int) *MemRegion {
	if size <= 1 {
		size = protocol.BufferSize
	}
	return &MemRegion{buf: make([]byte, size)}
}

func (r *MemRegion) Size() int {
	return len(r.buf)
}

func (r *MemRegion) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out, nil
}

func (r *MemRegion) Update(fn func(buf []byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := make([]byte, len(r.buf))
	copy(work, r.buf)
	if err := fn(work); err != nil {
		return err
	}
	copy(r.buf, work)
	return nil
}

// fill clears buf and stores ctrl and p as a fresh window.
func fill(buf []byte, ctrl byte, p []byte) error {
	if len(p) > len(buf)-1 {
		return fmt.Errorf("%w: %d > %d", ErrWindowOverflow, len(p), len(buf)-1)
	}
	clear(buf)
	buf[0] = ctrl
	copy(buf[1:], p)
	return nil
}
