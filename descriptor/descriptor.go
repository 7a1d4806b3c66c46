// Package descriptor binds a procedure id to its argument and result types.
//
// A Descriptor is built once at setup and shared by every call to that
// procedure. The host uses Invoke to build invocations and Decode to read
// results; the emulated peer uses DecodeArgs and EncodeResults for the
// mirror-image work.
package descriptor

import (
	"errors"
	"fmt"
	"sort"

	"gpio-rpc/codec"
	"gpio-rpc/message"
)

var (
	ErrArgCount    = errors.New("descriptor: wrong number of values")
	ErrDuplicateID = errors.New("descriptor: duplicate rpc id")
)

// Descriptor is immutable after New.
type Descriptor struct {
	id      byte
	inputs  []codec.ArgType[any]
	outputs []codec.ArgType[any]
}

func New(id byte, inputs, outputs []codec.ArgType[any]) *Descriptor {
	return &Descriptor{
		id:      id,
		inputs:  append([]codec.ArgType[any](nil), inputs...),
		outputs: append([]codec.ArgType[any](nil), outputs...),
	}
}

func (d *Descriptor) ID() byte {
	return d.id
}

func (d *Descriptor) NumIn() int {
	return len(d.inputs)
}

func (d *Descriptor) NumOut() int {
	return len(d.outputs)
}

// Invoke serializes positional args against the input types. The payload
// starts with the procedure id.
func (d *Descriptor) Invoke(args ...any) (*message.Invocation, error) {
	body, err := encodeAll(d.inputs, args)
	if err != nil {
		return nil, fmt.Errorf("rpc %d args: %w", d.id, err)
	}
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, d.id)
	payload = append(payload, body...)
	return &message.Invocation{RPC: d.id, Payload: payload, Decoder: d}, nil
}

// Decode reads a response payload with the output types. Bytes after the
// last output are ignored.
func (d *Descriptor) Decode(payload []byte) ([]any, error) {
	out, err := decodeAll(d.outputs, payload)
	if err != nil {
		return nil, fmt.Errorf("rpc %d results: %w", d.id, err)
	}
	return out, nil
}

// DecodeArgs reads the arguments that follow the procedure id in a request.
func (d *Descriptor) DecodeArgs(data []byte) ([]any, error) {
	out, err := decodeAll(d.inputs, data)
	if err != nil {
		return nil, fmt.Errorf("rpc %d args: %w", d.id, err)
	}
	return out, nil
}

// EncodeResults serializes results against the output types.
func (d *Descriptor) EncodeResults(results ...any) ([]byte, error) {
	out, err := encodeAll(d.outputs, results)
	if err != nil {
		return nil, fmt.Errorf("rpc %d results: %w", d.id, err)
	}
	return out, nil
}

func encodeAll(types []codec.ArgType[any], values []any) ([]byte, error) {
	if len(values) != len(types) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrArgCount, len(values), len(types))
	}
	var out []byte
	for i, t := range types {
		b, err := t.Serialize(values[i])
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func decodeAll(types []codec.ArgType[any], data []byte) ([]any, error) {
	out := make([]any, 0, len(types))
	at := 0
	for i, t := range types {
		var (
			v   any
			err error
		)
		v, at, err = t.Deserialize(data, at)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Catalog indexes descriptors by id.
type Catalog struct {
	byID map[byte]*Descriptor
}

func NewCatalog(ds ...*Descriptor) (*Catalog, error) {
	c := &Catalog{byID: make(map[byte]*Descriptor)}
	for _, d := range ds {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Add(d *Descriptor) error {
	if _, ok := c.byID[d.id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, d.id)
	}
	c.byID[d.id] = d
	return nil
}

func (c *Catalog) Lookup(id byte) (*Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// List returns the descriptors ordered by id.
func (c *Catalog) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})
	return out
}
