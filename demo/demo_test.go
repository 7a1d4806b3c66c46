package demo

import (
	"context"
	"reflect"
	"testing"

	"gpio-rpc/message"
)

func call(t *testing.T, c *Cart, id byte, args ...any) []any {
	t.Helper()
	out, err := c.Handlers()[id](context.Background(), &message.Request{RPC: id, Args: args})
	if err != nil {
		t.Fatalf("rpc %d failed: %v", id, err)
	}
	return out
}

func TestCatalog(t *testing.T) {
	list := Catalog().List()
	if len(list) != 4 {
		t.Fatalf("expected 4 procedures, got %d", len(list))
	}
	for i, d := range list {
		if int(d.ID()) != i {
			t.Fatalf("procedure %d has id %d", i, d.ID())
		}
	}
}

func TestArithmetic(t *testing.T) {
	c := NewCart()
	if got := call(t, c, AddID, byte(2), byte(3)); !reflect.DeepEqual(got, []any{byte(5)}) {
		t.Fatalf("add: got %v", got)
	}
	if got := call(t, c, AddID, byte(250), byte(10)); !reflect.DeepEqual(got, []any{byte(4)}) {
		t.Fatalf("add should wrap: got %v", got)
	}
	if got := call(t, c, SumID, []byte{1, 2, 3, 4, 5}); !reflect.DeepEqual(got, []any{byte(15)}) {
		t.Fatalf("sum: got %v", got)
	}
}

func TestSetText(t *testing.T) {
	c := NewCart()
	call(t, c, SetTextID, "hello")
	if c.Text() != "hello" {
		t.Fatalf("text: got %q", c.Text())
	}
}

func TestImageRow(t *testing.T) {
	c := NewCart()
	call(t, c, ImageRowID, []byte{0x1A, 0x0F}, byte(7))
	if c.Pixel(0, 7) != 0x1 || c.Pixel(1, 7) != 0xA || c.Pixel(3, 7) != 0xF {
		t.Fatal("pixels not unpacked from the row")
	}
	if c.Pixel(100, 7) != 0 {
		t.Fatal("pixels past the row should be blank")
	}

	_, err := c.Handlers()[ImageRowID](context.Background(), &message.Request{Args: []any{[]byte{1}, byte(200)}})
	if err == nil {
		t.Fatal("expected an off-screen error")
	}
}

func TestPixelOffScreen(t *testing.T) {
	c := NewCart()
	call(t, c, ImageRowID, []byte{0xFF}, byte(0))
	for _, p := range [][2]int{{0, -1}, {0, ScreenSize}, {-1, 0}, {ScreenSize, 0}} {
		if got := c.Pixel(p[0], p[1]); got != 0 {
			t.Fatalf("Pixel(%d, %d): got %d, want 0", p[0], p[1], got)
		}
	}
}
