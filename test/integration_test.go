package test

import (
	"context"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"gpio-rpc/client"
	"gpio-rpc/descriptor"
	"gpio-rpc/demo"
	"gpio-rpc/driver"
	"gpio-rpc/middleware"
	"gpio-rpc/protocol"
	"gpio-rpc/server"
	"gpio-rpc/testutil/testlog"
	"gpio-rpc/transport"
)

type rig struct {
	ticks  *driver.Manual
	cart   *demo.Cart
	peer   *server.Server
	bridge *client.Bridge
}

// newRig wires a bridge and an emulated cart to the two ends of one region.
func newRig(t testing.TB, region transport.Region, opts ...server.Option) *rig {
	t.Helper()
	r := &rig{ticks: driver.NewManual(), cart: demo.NewCart()}

	peer, err := server.NewServer(transport.NewPeerChannel(region), opts...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := peer.RegisterCatalog(demo.Catalog(), r.cart.Handlers()); err != nil {
		t.Fatalf("RegisterCatalog failed: %v", err)
	}
	peer.Attach(r.ticks)
	r.peer = peer

	bridge, err := client.Connect(transport.NewHostChannel(region), r.ticks)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	r.bridge = bridge
	return r
}

func (r *rig) send(t testing.TB, d *descriptor.Descriptor, args ...any) *client.Call {
	t.Helper()
	inv, err := d.Invoke(args...)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	call, err := r.bridge.Send(inv)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return call
}

// settle steps until every call completed, failing after limit ticks.
func (r *rig) settle(t testing.TB, limit int, calls ...*client.Call) {
	t.Helper()
	for i := 0; i < limit; i++ {
		if allDone(calls) {
			return
		}
		if err := r.ticks.Step(); err != nil {
			t.Fatalf("tick %d failed: %v", i, err)
		}
	}
	if !allDone(calls) {
		t.Fatalf("calls still pending after %d ticks: %v", limit, r.bridge.Pending())
	}
}

func allDone(calls []*client.Call) bool {
	for _, c := range calls {
		select {
		case <-c.Done():
		default:
			return false
		}
	}
	return true
}

func result(t testing.TB, c *client.Call) []any {
	t.Helper()
	reply, err := c.Result()
	if err != nil {
		t.Fatalf("call %d failed: %v", c.ID, err)
	}
	return reply
}

func TestEndToEndArithmetic(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, transport.NewMemRegion(protocol.BufferSize))

	add := r.send(t, demo.Add, 2, 3)
	sum := r.send(t, demo.Sum, []byte{1, 2, 3, 4, 5})
	r.settle(t, 10, add, sum)

	if got := result(t, add); !reflect.DeepEqual(got, []any{byte(5)}) {
		t.Fatalf("add: got %v, want [5]", got)
	}
	if got := result(t, sum); !reflect.DeepEqual(got, []any{byte(15)}) {
		t.Fatalf("sum: got %v, want [15]", got)
	}
}

func TestConcurrentSenders(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, transport.NewMemRegion(protocol.BufferSize))

	const n = 64
	calls := make([]*client.Call, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := demo.Add.Invoke(i, 1)
			if err != nil {
				t.Errorf("Invoke %d: %v", i, err)
				return
			}
			call, err := r.bridge.Send(inv)
			if err != nil {
				t.Errorf("Send %d: %v", i, err)
				return
			}
			calls[i] = call
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	r.settle(t, 200, calls...)
	for i, c := range calls {
		if got := result(t, c); !reflect.DeepEqual(got, []any{byte(i + 1)}) {
			t.Fatalf("call %d: got %v, want [%d]", i, got, i+1)
		}
	}
}

func TestFramesLargerThanWindow(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, transport.NewMemRegion(protocol.BufferSize))

	text := strings.Repeat("pico", 80)
	row := make([]byte, demo.ScreenSize/2)
	for i := range row {
		row[i] = 0x5C
	}

	setText := r.send(t, demo.SetText, text)
	imageRow := r.send(t, demo.ImageRow, row, 127)
	r.settle(t, 20, setText, imageRow)

	if r.cart.Text() != text {
		t.Fatalf("cart text: got %d chars, want %d", len(r.cart.Text()), len(text))
	}
	if r.cart.Pixel(0, 127) != 0x5 || r.cart.Pixel(127, 127) != 0xC {
		t.Fatal("image row not delivered intact")
	}
	if got := result(t, setText); len(got) != 0 {
		t.Fatalf("set_text has no outputs, got %v", got)
	}
}

func TestSmallWindow(t *testing.T) {
	testlog.Start(t)
	// a 16 byte region leaves 15 bytes per write; every frame here spans windows
	r := newRig(t, transport.NewMemRegion(16))

	sum := r.send(t, demo.Sum, []byte{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120})
	r.settle(t, 20, sum)
	if got := result(t, sum); !reflect.DeepEqual(got, []any{byte(780 % 256)}) {
		t.Fatalf("sum: got %v", got)
	}
}

func TestPeerThrottling(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, transport.NewMemRegion(protocol.BufferSize), server.WithRateLimit(0.001, 1))

	first := r.send(t, demo.Add, 1, 1)
	second := r.send(t, demo.Add, 2, 2)
	r.settle(t, 10, first)

	if err := r.ticks.StepN(5); err != nil {
		t.Fatal(err)
	}
	select {
	case <-second.Done():
		t.Fatal("the throttled call should still be waiting")
	default:
	}
	if r.peer.Inbox() != 1 {
		t.Fatalf("peer inbox: got %d, want 1", r.peer.Inbox())
	}
	if !reflect.DeepEqual(r.bridge.Pending(), []byte{second.ID}) {
		t.Fatalf("pending: got %v", r.bridge.Pending())
	}
}

func TestPeerHoldDelaysRequests(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, transport.NewMemRegion(protocol.BufferSize))

	call := r.send(t, demo.Add, 3, 4)
	err := r.peer.Hold(func() error {
		if err := r.ticks.StepN(3); err != nil {
			return err
		}
		if r.bridge.Queued() == 0 {
			t.Error("host wrote while the peer held the buffer")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	r.settle(t, 10, call)
	if got := result(t, call); !reflect.DeepEqual(got, []any{byte(7)}) {
		t.Fatalf("add: got %v", got)
	}
}

func TestUnknownProcedureStopsPeer(t *testing.T) {
	testlog.Start(t)
	region := transport.NewMemRegion(protocol.BufferSize)
	ticks := driver.NewManual()

	peer, err := server.NewServer(transport.NewPeerChannel(region))
	if err != nil {
		t.Fatal(err)
	}
	peer.Attach(ticks)
	bridge, err := client.Connect(transport.NewHostChannel(region), ticks)
	if err != nil {
		t.Fatal(err)
	}

	inv, _ := demo.Add.Invoke(1, 2)
	if _, err := bridge.Send(inv); err != nil {
		t.Fatal(err)
	}
	if err := ticks.StepN(4); err == nil {
		t.Fatal("expected the peer to reject an unregistered procedure")
	}
}

func TestLoopDriven(t *testing.T) {
	testlog.Start(t)
	region := transport.NewMemRegion(protocol.BufferSize)
	loop := driver.NewLoop(1000)

	peer, err := server.NewServer(transport.NewPeerChannel(region))
	if err != nil {
		t.Fatal(err)
	}
	peer.Use(middleware.TimeOutMiddleware(time.Second))
	if err := peer.RegisterCatalog(demo.Catalog(), demo.NewCart().Handlers()); err != nil {
		t.Fatal(err)
	}
	peer.Attach(loop)
	bridge, err := client.Connect(transport.NewHostChannel(region), loop)
	if err != nil {
		t.Fatal(err)
	}
	defer bridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	inv, _ := demo.Add.Invoke(20, 22)
	call, err := bridge.Send(inv)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !reflect.DeepEqual(reply, []any{byte(42)}) {
		t.Fatalf("add: got %v", reply)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop ended with %v", err)
	}
}

// TestEtcdRegionEndToEnd needs a running etcd, e.g.
// GPIORPC_ETCD_ENDPOINTS=127.0.0.1:2379 go test ./test/
func TestEtcdRegionEndToEnd(t *testing.T) {
	raw := os.Getenv("GPIORPC_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("GPIORPC_ETCD_ENDPOINTS not set")
	}
	testlog.Start(t)

	key := "/gpio-rpc/test/" + t.Name()
	region, err := transport.NewEtcdRegion(strings.Split(raw, ","), key, protocol.BufferSize, 2*time.Second)
	if err != nil {
		t.Fatalf("connect etcd: %v", err)
	}
	defer region.Close()
	if err := region.Update(func(buf []byte) error {
		clear(buf)
		return nil
	}); err != nil {
		t.Fatalf("reset region: %v", err)
	}

	r := newRig(t, region)
	sum := r.send(t, demo.Sum, make([]byte, 200))
	r.settle(t, 20, sum)
	if got := result(t, sum); !reflect.DeepEqual(got, []any{byte(0)}) {
		t.Fatalf("sum: got %v", got)
	}
}
