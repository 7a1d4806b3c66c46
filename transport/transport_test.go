package transport

import (
	"bytes"
	"errors"
	"testing"

	"gpio-rpc/message"
	"gpio-rpc/protocol"
	"gpio-rpc/testutil/testlog"
)

// recordingSink captures every write and lets the test flip writability.
type recordingSink struct {
	writable bool
	writes   [][]byte
}

func (s *recordingSink) Write(p []byte) error {
	if !s.writable {
		return ErrNotWritable
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return nil
}

func (s *recordingSink) Writable() (bool, error) {
	return s.writable, nil
}

func TestHostPeerHandshake(t *testing.T) {
	testlog.Start(t)

	region := NewMemRegion(8)
	host := NewHostChannel(region)
	peer := NewPeerChannel(region)

	if host.Capacity() != 7 {
		t.Fatalf("capacity: got %d, want 7", host.Capacity())
	}
	if ok, _ := host.Writable(); !ok {
		t.Fatal("fresh buffer should be writable by the host")
	}
	if err := host.Write([]byte{1, 0, 1, 9}); err != nil {
		t.Fatalf("host write failed: %v", err)
	}

	buf, _ := host.Check()
	want := []byte{protocol.WrittenBySender | protocol.ReadyForConsumption, 1, 0, 1, 9, 0, 0, 0}
	if !bytes.Equal(buf, want) {
		t.Fatalf("buffer after host write: got %v, want %v", buf, want)
	}
	if protocol.HostGate(buf[0]) {
		t.Fatal("host must not read back its own write")
	}
	if !protocol.PeerGate(buf[0]) {
		t.Fatal("peer should see the host write")
	}
	if ok, _ := host.Writable(); ok {
		t.Fatal("host must wait until the peer consumed")
	}
	if err := host.Write([]byte{1}); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("expected ErrNotWritable, got %v", err)
	}

	if err := peer.Consume(); err != nil {
		t.Fatal(err)
	}
	if err := peer.Write([]byte{1, 0, 1, 9}); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	buf, _ = peer.Check()
	if !protocol.HostGate(buf[0]) {
		t.Fatalf("host should see the peer write, ctrl=%08b", buf[0])
	}
	if ok, _ := host.Writable(); ok {
		t.Fatal("host must not overwrite unread peer data")
	}

	if err := host.Consume(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := host.Writable(); !ok {
		t.Fatal("buffer should be writable after the host consumed")
	}
}

func TestPeerLockBlocksHost(t *testing.T) {
	region := NewMemRegion(0)
	host := NewHostChannel(region)
	peer := NewPeerChannel(region)

	if err := peer.SetLock(true); err != nil {
		t.Fatal(err)
	}
	if ok, _ := host.Writable(); ok {
		t.Fatal("host must not write while the peer holds the lock")
	}
	if err := peer.SetLock(false); err != nil {
		t.Fatal(err)
	}
	if ok, _ := host.Writable(); !ok {
		t.Fatal("host should write once the lock is released")
	}
}

func TestWindowOverflow(t *testing.T) {
	host := NewHostChannel(NewMemRegion(4))
	if err := host.Write([]byte{1, 2, 3, 4}); !errors.Is(err, ErrWindowOverflow) {
		t.Fatalf("expected ErrWindowOverflow, got %v", err)
	}
}

func TestSchedulerPacksSmallFrames(t *testing.T) {
	testlog.Start(t)

	sink := &recordingSink{writable: true}
	s := NewScheduler(sink)
	for id := byte(0); id < 3; id++ {
		if err := s.Send(message.Message{ID: id, Payload: []byte{0, 2, 3}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Tick(); err != nil {
		t.Fatal(err)
	}
	if len(sink.writes) != 1 || len(sink.writes[0]) != 21 {
		t.Fatalf("expected one 21 byte write, got %v", sink.writes)
	}
	if s.Pending() != 0 {
		t.Fatalf("queue should be empty, %d bytes left", s.Pending())
	}

	// An empty queue writes nothing.
	if err := s.Tick(); err != nil {
		t.Fatal(err)
	}
	if len(sink.writes) != 1 {
		t.Fatalf("unexpected write from an empty queue")
	}
}

func TestSchedulerChunksLargeFrame(t *testing.T) {
	testlog.Start(t)

	const usable = 10
	sink := &recordingSink{writable: true}
	s := NewScheduler(sink, WithUsableSize(usable))

	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	msg := message.Message{ID: 7, Payload: payload}
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(msg); err != nil {
		t.Fatal(err)
	}

	ticks := 0
	for s.Pending() > 0 {
		// Every other tick the peer still holds the buffer.
		sink.writable = ticks%2 == 0
		before := len(sink.writes)
		if err := s.Tick(); err != nil {
			t.Fatal(err)
		}
		if !sink.writable && len(sink.writes) != before {
			t.Fatal("scheduler wrote while the sink was not writable")
		}
		ticks++
		if ticks > 100 {
			t.Fatal("scheduler did not drain")
		}
	}

	var joined []byte
	for i, w := range sink.writes {
		if len(w) > usable {
			t.Fatalf("write %d is %d bytes, over %d", i, len(w), usable)
		}
		joined = append(joined, w...)
	}
	if !bytes.Equal(joined, frame) {
		t.Fatalf("concatenated writes differ from the frame:\n got  %v\n want %v", joined, frame)
	}
	if len(sink.writes) != 4 {
		t.Fatalf("expected 4 writes for a %d byte frame, got %d", len(frame), len(sink.writes))
	}
}

func TestSchedulerKeepsBytesOnLostRace(t *testing.T) {
	sink := &recordingSink{writable: true}
	racy := &racySink{recordingSink: sink}
	s := NewScheduler(racy)
	if err := s.Send(message.Message{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Tick(); err != nil {
		t.Fatalf("a lost race should not be an error: %v", err)
	}
	if s.Pending() != 4 {
		t.Fatalf("bytes dropped after a failed write, %d left", s.Pending())
	}
}

// racySink reports writable but refuses the write, as if the peer grabbed
// the buffer in between.
type racySink struct {
	*recordingSink
}

func (s *racySink) Write([]byte) error {
	return ErrNotWritable
}
