// Package codec implements the argument types carried inside RPC frames.
//
// An ArgType is a serializer/deserializer pair. The atomic types (Byte,
// Boolean, Number, String) know their own wire shape; the combinators (Array,
// Tuple, Unspecify) build new types out of existing ones without caring how
// those encode.
//
// All length and count prefixes are 2 bytes, big-endian:
//
//	Byte      [b]
//	Boolean   [0|1]
//	Number    [int_hi|sign][int_lo][frac_hi][frac_lo]
//	Array     [count_hi][count_lo][elem]...[elem]
//	Tuple     [elem_1]...[elem_n]
//	String    [len_hi][len_lo][char]...[char]
//	Unspecify [len_hi][len_lo][T bytes]
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortBuffer = errors.New("codec: short buffer")
	ErrOutOfRange  = errors.New("codec: value out of range")
	ErrArity       = errors.New("codec: tuple arity mismatch")
	ErrType        = errors.New("codec: unexpected value type")
)

// MaxLen is the largest count or length a 2-byte prefix can carry.
const MaxLen = 0xFFFF

// ArgType serializes values of T and reads them back.
//
// Deserialize reads one value starting at offset at and returns it together
// with the offset of the first byte it did not consume.
type ArgType[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte, at int) (T, int, error)
}

// Erase adapts a typed ArgType into one over any, so types of different
// shapes can sit in the same list. Serialize accepts a value of T, or any
// Go integer/float that fits when T is byte or float64.
func Erase[T any](t ArgType[T]) ArgType[any] {
	if e, ok := any(t).(ArgType[any]); ok {
		return e
	}
	return erased[T]{t: t}
}

type erased[T any] struct {
	t ArgType[T]
}

func (e erased[T]) Serialize(v any) ([]byte, error) {
	tv, ok := convert[T](v)
	if !ok {
		return nil, fmt.Errorf("%w: got %T, want %T", ErrType, v, *new(T))
	}
	return e.t.Serialize(tv)
}

func (e erased[T]) Deserialize(data []byte, at int) (any, int, error) {
	v, next, err := e.t.Deserialize(data, at)
	if err != nil {
		return nil, at, err
	}
	return v, next, nil
}

func convert[T any](v any) (T, bool) {
	if tv, ok := v.(T); ok {
		return tv, true
	}
	var zero T
	switch any(zero).(type) {
	case byte:
		n, ok := asInt(v)
		if !ok || n < 0 || n > 0xFF {
			return zero, false
		}
		return any(byte(n)).(T), true
	case float64:
		if f, ok := v.(float32); ok {
			return any(float64(f)).(T), true
		}
		n, ok := asInt(v)
		if !ok {
			return zero, false
		}
		return any(float64(n)).(T), true
	}
	return zero, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func need(data []byte, at, n int) error {
	if at < 0 || at+n > len(data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, at, len(data))
	}
	return nil
}

func putLen(n int) ([]byte, error) {
	if n > MaxLen {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrOutOfRange, n, MaxLen)
	}
	buf := make([]byte, 2, 2+n)
	binary.BigEndian.PutUint16(buf, uint16(n))
	return buf, nil
}

func readLen(data []byte, at int) (int, int, error) {
	if err := need(data, at, 2); err != nil {
		return 0, at, err
	}
	return int(binary.BigEndian.Uint16(data[at : at+2])), at + 2, nil
}
