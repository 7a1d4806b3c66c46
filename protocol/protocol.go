// Package protocol implements the wire format spoken over the shared buffer.
//
// The buffer is a small fixed-capacity region. Byte 0 is a control byte, the
// rest is a payload window that carries a stream of frames, possibly split
// across many fills of the window:
//
//	buffer:  ┌──────┬──────────────────────────────────────┐
//	         │ ctrl │ payload window (127 bytes reference) │
//	         └──────┴──────────────────────────────────────┘
//
//	frame:   ┌────────┬───────┬───────┬────┬──────────────┐
//	         │ marker │ len_hi│ len_lo│ id │ payload ...  │
//	         │   01   │       │       │    │ len-1 bytes  │
//	         └────────┴───────┴───────┴────┴──────────────┘
//
// The length covers the id byte and the payload. A zero where a marker is
// expected is idle padding and is skipped; any other byte there starts a
// frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gpio-rpc/message"
)

const (
	Marker     byte = 0x01 // Start of a frame
	Padding    byte = 0x00 // Idle filler between frames
	HeaderSize int  = 3    // marker + 2 length bytes

	// MaxBody is the largest body the 2-byte length can describe.
	MaxBody = 0xFFFF

	// Reference geometry of the shared buffer.
	BufferSize = 128
	UsableSize = BufferSize - 1
)

// Control bits in byte 0 of the shared buffer.
const (
	ReadyForConsumption byte = 1 << 0 // The payload window holds unread data
	WrittenBySender     byte = 1 << 1 // The host wrote the current contents
	PeerLock            byte = 1 << 2 // The peer holds the buffer
)

var (
	ErrBodyTooLarge       = errors.New("protocol: frame body too large")
	ErrFrameTooLarge      = errors.New("protocol: declared frame length over limit")
	ErrDoubleSubscription = errors.New("protocol: framer already has a subscriber")
)

// Gate decides from the control byte whether the payload window may be read.
type Gate func(ctrl byte) bool

// HostGate admits data the peer finished writing and no longer holds.
func HostGate(ctrl byte) bool {
	return ctrl&ReadyForConsumption != 0 &&
		ctrl&WrittenBySender == 0 &&
		ctrl&PeerLock == 0
}

// PeerGate admits data the host wrote and has not been consumed yet.
func PeerGate(ctrl byte) bool {
	return ctrl&ReadyForConsumption != 0 && ctrl&WrittenBySender != 0
}

// EncodeFrame returns the complete frame for msg.
func EncodeFrame(msg message.Message) ([]byte, error) {
	bodyLen := 1 + len(msg.Payload)
	if bodyLen > MaxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}
	buf := make([]byte, HeaderSize, HeaderSize+bodyLen)
	buf[0] = Marker
	binary.BigEndian.PutUint16(buf[1:3], uint16(bodyLen))
	buf = append(buf, msg.ID)
	return append(buf, msg.Payload...), nil
}

// Encode writes the frame for msg to w in a single Write.
func Encode(w io.Writer, msg message.Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
