package codec

import "fmt"

// Unspecified is an opaque byte blob: a counted array of bytes.
var Unspecified = Array(Byte)

// Array returns a homogeneous, count-prefixed list of elem.
func Array[T any](elem ArgType[T]) ArgType[[]T] {
	return arrayType[T]{elem: elem}
}

type arrayType[T any] struct {
	elem ArgType[T]
}

func (a arrayType[T]) Serialize(values []T) ([]byte, error) {
	buf, err := putLen(len(values))
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		b, err := a.elem.Serialize(v)
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

func (a arrayType[T]) Deserialize(data []byte, at int) ([]T, int, error) {
	n, next, err := readLen(data, at)
	if err != nil {
		return nil, at, err
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		var v T
		v, next, err = a.elem.Deserialize(data, next)
		if err != nil {
			return nil, at, fmt.Errorf("array element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, next, nil
}

// Tuple returns a fixed, heterogeneous sequence. The arity is static, so no
// count goes on the wire.
func Tuple(elems ...ArgType[any]) ArgType[[]any] {
	return tupleType{elems: elems}
}

type tupleType struct {
	elems []ArgType[any]
}

func (t tupleType) Serialize(values []any) ([]byte, error) {
	if len(values) != len(t.elems) {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrArity, len(values), len(t.elems))
	}
	var buf []byte
	for i, elem := range t.elems {
		b, err := elem.Serialize(values[i])
		if err != nil {
			return nil, fmt.Errorf("tuple element %d: %w", i, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

func (t tupleType) Deserialize(data []byte, at int) ([]any, int, error) {
	out := make([]any, 0, len(t.elems))
	next := at
	for i, elem := range t.elems {
		var (
			v   any
			err error
		)
		v, next, err = elem.Deserialize(data, next)
		if err != nil {
			return nil, at, fmt.Errorf("tuple element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, next, nil
}

// Unspecify wraps t so its encoding carries its own length. A receiver that
// does not know t can skip the value or keep it as an Unspecified blob.
func Unspecify[T any](t ArgType[T]) ArgType[T] {
	return unspecifyType[T]{inner: t}
}

type unspecifyType[T any] struct {
	inner ArgType[T]
}

func (u unspecifyType[T]) Serialize(v T) ([]byte, error) {
	b, err := u.inner.Serialize(v)
	if err != nil {
		return nil, err
	}
	buf, err := putLen(len(b))
	if err != nil {
		return nil, err
	}
	return append(buf, b...), nil
}

func (u unspecifyType[T]) Deserialize(data []byte, at int) (T, int, error) {
	var zero T
	n, start, err := readLen(data, at)
	if err != nil {
		return zero, at, err
	}
	end := start + n
	if err := need(data, start, n); err != nil {
		return zero, at, err
	}
	v, next, err := u.inner.Deserialize(data[:end], start)
	if err != nil {
		return zero, at, err
	}
	if next > end {
		return zero, at, fmt.Errorf("%w: value overran its %d byte blob", ErrOutOfRange, n)
	}
	return v, end, nil
}
