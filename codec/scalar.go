package codec

import (
	"fmt"
	"math"
)

var (
	Byte    ArgType[byte]    = byteType{}
	Boolean ArgType[bool]    = boolType{}
	Number  ArgType[float64] = numberType{}
	String  ArgType[string]  = stringType{}
)

type byteType struct{}

func (byteType) Serialize(b byte) ([]byte, error) {
	return []byte{b}, nil
}

func (byteType) Deserialize(data []byte, at int) (byte, int, error) {
	if err := need(data, at, 1); err != nil {
		return 0, at, err
	}
	return data[at], at + 1, nil
}

type boolType struct{}

func (boolType) Serialize(b bool) ([]byte, error) {
	if b {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

// Any non-zero byte reads back as true.
func (boolType) Deserialize(data []byte, at int) (bool, int, error) {
	if err := need(data, at, 1); err != nil {
		return false, at, err
	}
	return data[at] != 0, at + 1, nil
}

// numberType is the peer's 16.16 fixed-point number. The integral part is
// stored offset by 32768 with the sign in the top bit when negative; the
// fraction n - floor(n) is always non-negative.
type numberType struct{}

const (
	numberSignBit = 0x80
	numberOffset  = 32768
	NumberMin     = -32768
	NumberMax     = 32767
)

func (numberType) Serialize(n float64) ([]byte, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, fmt.Errorf("%w: number %v", ErrOutOfRange, n)
	}
	integral := math.Floor(n)
	if integral < NumberMin || integral > NumberMax {
		return nil, fmt.Errorf("%w: number %v outside [%d, %d]", ErrOutOfRange, n, NumberMin, NumberMax)
	}
	frac := n - integral

	i := int(integral)
	var sign byte
	if i < 0 {
		sign = numberSignBit
		i += numberOffset
	}
	return []byte{
		byte(i>>8) | sign,
		byte(i),
		byte(math.Floor(frac * 256)),
		byte(math.Floor(math.Mod(frac*65536, 256))),
	}, nil
}

func (numberType) Deserialize(data []byte, at int) (float64, int, error) {
	if err := need(data, at, 4); err != nil {
		return 0, at, err
	}
	hi, lo, fhi, flo := data[at], data[at+1], data[at+2], data[at+3]
	neg := hi&numberSignBit != 0
	hi &^= numberSignBit

	v := float64(hi)*256 + float64(lo) + float64(fhi)/256 + float64(flo)/65536
	if neg {
		v -= numberOffset
	}
	return v, at + 4, nil
}

// stringType writes one byte per character code, so only code points up to
// 255 are representable.
type stringType struct{}

func (stringType) Serialize(s string) ([]byte, error) {
	runes := []rune(s)
	buf, err := putLen(len(runes))
	if err != nil {
		return nil, err
	}
	for i, r := range runes {
		if r > 0xFF {
			return nil, fmt.Errorf("%w: character %q at %d", ErrOutOfRange, r, i)
		}
		buf = append(buf, byte(r))
	}
	return buf, nil
}

func (stringType) Deserialize(data []byte, at int) (string, int, error) {
	n, next, err := readLen(data, at)
	if err != nil {
		return "", at, err
	}
	if err := need(data, next, n); err != nil {
		return "", at, err
	}
	runes := make([]rune, n)
	for i, b := range data[next : next+n] {
		runes[i] = rune(b)
	}
	return string(runes), next + n, nil
}
