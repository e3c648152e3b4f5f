// Package datum encodes single column values so that the encoded bytes sort in the same
// order as the values.
package datum

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

type Type int

const (
	BoolType Type = iota + 1
	Int64Type
	Uint64Type
	Float64Type
	StringType
	BytesType
)

var ErrBadDatum = errors.New("datum: bad encoding")

func (t Type) String() string {
	switch t {
	case BoolType:
		return "BOOL"
	case Int64Type:
		return "INT64"
	case Uint64Type:
		return "UINT64"
	case Float64Type:
		return "FLOAT64"
	case StringType:
		return "STRING"
	case BytesType:
		return "BYTES"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) Valid() bool {
	return t >= BoolType && t <= BytesType
}

// FixedSize returns the size of every encoded value of the type, or 0 if values are
// variable length.
func (t Type) FixedSize() int {
	switch t {
	case BoolType:
		return 1
	case Int64Type, Uint64Type, Float64Type:
		return 8
	}
	return 0
}

func Bool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func Int64(i int64) []byte {
	// Flip the sign bit so negative values sort before non-negative ones.
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(i)^(1<<63))
}

func Uint64(u uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), u)
}

func Float64(f float64) []byte {
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		u = ^u
	} else {
		u |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), u)
}

func String(s string) []byte {
	return []byte(s)
}

func Bytes(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

func DecodeBool(buf []byte) (bool, error) {
	if len(buf) != 1 || buf[0] > 1 {
		return false, errors.Wrapf(ErrBadDatum, "bool: %v", buf)
	}
	return buf[0] == 1, nil
}

func DecodeInt64(buf []byte) (int64, error) {
	if len(buf) != 8 {
		return 0, errors.Wrapf(ErrBadDatum, "int64: %v", buf)
	}
	return int64(binary.BigEndian.Uint64(buf) ^ (1 << 63)), nil
}

func DecodeUint64(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, errors.Wrapf(ErrBadDatum, "uint64: %v", buf)
	}
	return binary.BigEndian.Uint64(buf), nil
}

func DecodeFloat64(buf []byte) (float64, error) {
	if len(buf) != 8 {
		return 0, errors.Wrapf(ErrBadDatum, "float64: %v", buf)
	}
	u := binary.BigEndian.Uint64(buf)
	if u&(1<<63) != 0 {
		u &^= 1 << 63
	} else {
		u = ^u
	}
	return math.Float64frombits(u), nil
}

// Format returns a printable form of an encoded value; it is used for logging.
func Format(t Type, buf []byte) string {
	switch t {
	case BoolType:
		if b, err := DecodeBool(buf); err == nil {
			return fmt.Sprintf("%v", b)
		}
	case Int64Type:
		if i, err := DecodeInt64(buf); err == nil {
			return fmt.Sprintf("%d", i)
		}
	case Uint64Type:
		if u, err := DecodeUint64(buf); err == nil {
			return fmt.Sprintf("%d", u)
		}
	case Float64Type:
		if f, err := DecodeFloat64(buf); err == nil {
			return fmt.Sprintf("%g", f)
		}
	case StringType:
		return fmt.Sprintf("%q", string(buf))
	}
	return fmt.Sprintf("%v", buf)
}
