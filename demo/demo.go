// Package demo holds the sample procedures the bridge ships with and an
// in-process cart that answers them.
package demo

import (
	"context"
	"fmt"
	"sync"

	"gpio-rpc/codec"
	"gpio-rpc/descriptor"
	"gpio-rpc/message"
	"gpio-rpc/middleware"
)

const (
	AddID byte = iota
	SumID
	SetTextID
	ImageRowID
)

// ScreenSize is the cart's square display, in pixels.
const ScreenSize = 128

var (
	Add = descriptor.New(AddID,
		[]codec.ArgType[any]{codec.Erase(codec.Byte), codec.Erase(codec.Byte)},
		[]codec.ArgType[any]{codec.Erase(codec.Byte)},
	)
	Sum = descriptor.New(SumID,
		[]codec.ArgType[any]{codec.Erase(codec.Array(codec.Byte))},
		[]codec.ArgType[any]{codec.Erase(codec.Byte)},
	)
	SetText = descriptor.New(SetTextID,
		[]codec.ArgType[any]{codec.Erase(codec.String)},
		nil,
	)
	// ImageRow sends one row of packed pixels (two per byte) and its y.
	ImageRow = descriptor.New(ImageRowID,
		[]codec.ArgType[any]{codec.Erase(codec.Array(codec.Byte)), codec.Erase(codec.Byte)},
		nil,
	)
)

func Catalog() *descriptor.Catalog {
	c, err := descriptor.NewCatalog(Add, Sum, SetText, ImageRow)
	if err != nil {
		panic(err)
	}
	return c
}

// Cart is the emulated program on the far side. Byte arithmetic wraps.
type Cart struct {
	mu     sync.Mutex
	text   string
	screen [ScreenSize][]byte
}

func NewCart() *Cart {
	return &Cart{}
}

// Handlers maps each procedure id to the cart's implementation.
func (c *Cart) Handlers() map[byte]middleware.HandlerFunc {
	return map[byte]middleware.HandlerFunc{
		AddID:      c.add,
		SumID:      c.sum,
		SetTextID:  c.setText,
		ImageRowID: c.imageRow,
	}
}

func (c *Cart) add(_ context.Context, req *message.Request) ([]any, error) {
	return []any{req.Args[0].(byte) + req.Args[1].(byte)}, nil
}

func (c *Cart) sum(_ context.Context, req *message.Request) ([]any, error) {
	var total byte
	for _, v := range req.Args[0].([]byte) {
		total += v
	}
	return []any{total}, nil
}

func (c *Cart) setText(_ context.Context, req *message.Request) ([]any, error) {
	c.mu.Lock()
	c.text = req.Args[0].(string)
	c.mu.Unlock()
	return nil, nil
}

func (c *Cart) imageRow(_ context.Context, req *message.Request) ([]any, error) {
	row, y := req.Args[0].([]byte), req.Args[1].(byte)
	if int(y) >= ScreenSize {
		return nil, fmt.Errorf("image row %d off screen", y)
	}
	if len(row) > ScreenSize/2 {
		return nil, fmt.Errorf("image row %d has %d bytes, want at most %d", y, len(row), ScreenSize/2)
	}
	c.mu.Lock()
	c.screen[y] = append([]byte(nil), row...)
	c.mu.Unlock()
	return nil, nil
}

func (c *Cart) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Pixel returns the colour index at (x, y), unpacking the high nibble for
// even x and the low one for odd x. Off-screen coordinates read as 0.
func (c *Cart) Pixel(x, y int) byte {
	if x < 0 || x >= ScreenSize || y < 0 || y >= ScreenSize {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.screen[y]
	if x/2 >= len(row) {
		return 0
	}
	b := row[x/2]
	if x%2 == 0 {
		return b >> 4
	}
	return b & 0x0F
}
