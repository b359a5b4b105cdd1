package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// putScalar writes a non-null fixed-width value into dst, which must be
// exactly t.Width() bytes.
func putScalar(t Type, dst []byte, v any) error {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		n, ok := asInt64(v)
		if !ok || !fitsSigned(n, t.Width()) {
			return mismatch(t, v)
		}
		putUint(dst, uint64(n))
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		n, ok := asUint64(v)
		if !ok || !fitsUnsigned(n, t.Width()) {
			return mismatch(t, v)
		}
		putUint(dst, n)
	case TypeFloat32:
		switch f := v.(type) {
		case float32:
			binary.LittleEndian.PutUint32(dst, math.Float32bits(f))
		case float64:
			binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
		default:
			return mismatch(t, v)
		}
	case TypeFloat64:
		switch f := v.(type) {
		case float32:
			binary.LittleEndian.PutUint64(dst, math.Float64bits(float64(f)))
		case float64:
			binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
		default:
			return mismatch(t, v)
		}
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return mismatch(t, v)
		}
		dst[0] = 0
		if b {
			dst[0] = 1
		}
	case TypeTimestamp:
		ts, ok := v.(time.Time)
		if !ok {
			return mismatch(t, v)
		}
		binary.LittleEndian.PutUint64(dst, uint64(ts.UnixNano()))
	default:
		return mismatch(t, v)
	}
	return nil
}

// scalarValue decodes a fixed-width value from src (t.Width() bytes).
func scalarValue(t Type, src []byte) (any, error) {
	if len(src) < t.Width() {
		return nil, fmt.Errorf("%w: %d bytes for %v", ErrMalformedField, len(src), t)
	}
	switch t {
	case TypeInt8:
		return int8(src[0]), nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(src)), nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(src)), nil
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(src)), nil
	case TypeUint8:
		return src[0], nil
	case TypeUint16:
		return binary.LittleEndian.Uint16(src), nil
	case TypeUint32:
		return binary.LittleEndian.Uint32(src), nil
	case TypeUint64:
		return binary.LittleEndian.Uint64(src), nil
	case TypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(src)), nil
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src)), nil
	case TypeBool:
		switch src[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("%w: bool byte %#x", ErrMalformedField, src[0])
	case TypeTimestamp:
		return time.Unix(0, int64(binary.LittleEndian.Uint64(src))).UTC(), nil
	}
	return nil, fmt.Errorf("%w: %v is not fixed width", ErrMalformedField, t)
}

func putUint(dst []byte, n uint64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(n)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(n))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(n))
	case 8:
		binary.LittleEndian.PutUint64(dst, n)
	}
}

func asInt64(v any) (int64, bool) {
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
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	}
	if n, ok := asInt64(v); ok && n >= 0 {
		return uint64(n), true
	}
	return 0, false
}

func fitsSigned(n int64, width int) bool {
	if width == 8 {
		return true
	}
	bits := uint(width * 8)
	lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
	return n >= lo && n <= hi
}

func fitsUnsigned(n uint64, width int) bool {
	if width == 8 {
		return true
	}
	return n < uint64(1)<<uint(width*8)
}

func mismatch(t Type, v any) error {
	return fmt.Errorf("%w: %T(%v) for %v", ErrTypeMismatch, v, v, t)
}
