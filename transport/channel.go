package transport

import (
	"gpio-rpc/protocol"
)

// Channel is everything the framer and scheduler need from one side of the
// buffer.
type Channel interface {
	protocol.Source
	Sink
	// Capacity is the payload window size.
	Capacity() int
	// Framer is the channel's single inbound framer. Its one-subscriber
	// rule is what keeps a channel bound to at most one consumer.
	Framer() *protocol.Framer
}

// HostChannel is the host's view of a Region.
//
//   - writable while the peer neither holds the buffer nor has unread data in it
//   - a write sets WrittenBySender|ReadyForConsumption
//   - reading is gated by protocol.HostGate
type HostChannel struct {
	region Region
	framer *protocol.Framer
}

func NewHostChannel(r Region, opts ...protocol.FramerOption) *HostChannel {
	c := &HostChannel{region: r}
	c.framer = protocol.NewFramer(c, append([]protocol.FramerOption{protocol.WithGate(protocol.HostGate)}, opts...)...)
	return c
}

func (c *HostChannel) Framer() *protocol.Framer {
	return c.framer
}

func (c *HostChannel) Capacity() int {
	return c.region.Size() - 1
}

func (c *HostChannel) Check() ([]byte, error) {
	return c.region.Snapshot()
}

func (c *HostChannel) Consume() error {
	return c.region.Update(func(buf []byte) error {
		buf[0] &^= protocol.ReadyForConsumption
		return nil
	})
}

func (c *HostChannel) Writable() (bool, error) {
	buf, err := c.region.Snapshot()
	if err != nil {
		return false, err
	}
	return hostWritable(buf[0]), nil
}

func (c *HostChannel) Write(p []byte) error {
	return c.region.Update(func(buf []byte) error {
		if !hostWritable(buf[0]) {
			return ErrNotWritable
		}
		return fill(buf, protocol.WrittenBySender|protocol.ReadyForConsumption, p)
	})
}

func hostWritable(ctrl byte) bool {
	return ctrl&protocol.ReadyForConsumption == 0 && ctrl&protocol.PeerLock == 0
}

// PeerChannel is the peer's view of a Region, used by the emulated peer.
//
//   - reading is gated by protocol.PeerGate; consuming clears the ready and
//     writer bits so the host may write again
//   - writable while no unread data sits in the buffer
//   - a write sets ReadyForConsumption only, keeping PeerLock as it was
type PeerChannel struct {
	region Region
	framer *protocol.Framer
}

func NewPeerChannel(r Region, opts ...protocol.FramerOption) *PeerChannel {
	c := &PeerChannel{region: r}
	c.framer = protocol.NewFramer(c, append([]protocol.FramerOption{protocol.WithGate(protocol.PeerGate)}, opts...)...)
	return c
}

func (c *PeerChannel) Framer() *protocol.Framer {
	return c.framer
}

func (c *PeerChannel) Capacity() int {
	return c.region.Size() - 1
}

func (c *PeerChannel) Check() ([]byte, error) {
	return c.region.Snapshot()
}

func (c *PeerChannel) Consume() error {
	return c.region.Update(func(buf []byte) error {
		buf[0] &^= protocol.ReadyForConsumption | protocol.WrittenBySender
		return nil
	})
}

func (c *PeerChannel) Writable() (bool, error) {
	buf, err := c.region.Snapshot()
	if err != nil {
		return false, err
	}
	return buf[0]&protocol.ReadyForConsumption == 0, nil
}

func (c *PeerChannel) Write(p []byte) error {
	return c.region.Update(func(buf []byte) error {
		if buf[0]&protocol.ReadyForConsumption != 0 {
			return ErrNotWritable
		}
		return fill(buf, protocol.ReadyForConsumption|buf[0]&protocol.PeerLock, p)
	})
}

// SetLock raises or drops PeerLock.
func (c *PeerChannel) SetLock(locked bool) error {
	return c.region.Update(func(buf []byte) error {
		if locked {
			buf[0] |= protocol.PeerLock
		} else {
			buf[0] &^= protocol.PeerLock
		}
		return nil
	})
}
