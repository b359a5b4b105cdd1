package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Variable field encodings. A null field is encoded as zero bytes, so every
// non-null encoding is at least four bytes long.
//
//	variable scalar: [size:4][payload]
//	fixed array:     [count:4][null bitmap][non-null elements]
//	variable array:  [count:4][offsets:4*(count+1)][elements]
//
// Variable-array offsets are relative to the start of the field and each
// element is a variable scalar; a null element spans zero bytes.

const lenPrefix = 4

// EncodeField encodes a value of a variable column. nil encodes to an empty
// slice.
func EncodeField(c Column, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Shape {
	case ShapeScalar:
		if !c.Type.IsVariable() {
			return nil, fmt.Errorf("%w: column %q is fixed width", ErrInvalidSchema, c.Name)
		}
		return encodeVarScalar(c, v)
	case ShapeFixedArray:
		return encodeFixedArray(c, v)
	case ShapeVarArray:
		return encodeVarArray(c, v)
	}
	return nil, fmt.Errorf("%w: shape %v", ErrInvalidSchema, c.Shape)
}

// DecodeField decodes bytes produced by EncodeField. An empty slice decodes
// to nil.
func DecodeField(c Column, b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	switch c.Shape {
	case ShapeScalar:
		return decodeVarScalar(c, b)
	case ShapeFixedArray:
		return decodeFixedArray(c, b)
	case ShapeVarArray:
		return decodeVarArray(c, b)
	}
	return nil, fmt.Errorf("%w: shape %v", ErrInvalidSchema, c.Shape)
}

func rawBytes(t Type, v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		if t == TypeString {
			return []byte(x), nil
		}
	case []byte:
		if t == TypeBytes {
			return x, nil
		}
	}
	return nil, mismatch(t, v)
}

func encodeVarScalar(c Column, v any) ([]byte, error) {
	var size int
	var payload []byte
	if pc, ok := v.(Precompressed); ok {
		if pc.Size < len(pc.Data) || pc.Size > math.MaxUint32 {
			return nil, fmt.Errorf("%w: precompressed payload of %d bytes with size %d", ErrTypeMismatch, len(pc.Data), pc.Size)
		}
		size, payload = pc.Size, pc.Data
	} else {
		raw, err := rawBytes(c.Type, v)
		if err != nil {
			return nil, err
		}
		if len(raw) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: value of %d bytes", ErrTypeMismatch, len(raw))
		}
		if payload, err = compress(c.Compression, raw); err != nil {
			return nil, err
		}
		size = len(raw)
	}
	out := make([]byte, lenPrefix+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(size))
	copy(out[lenPrefix:], payload)
	return out, nil
}

func decodeVarScalar(c Column, b []byte) (any, error) {
	if len(b) < lenPrefix {
		return nil, fmt.Errorf("%w: %d bytes for a variable scalar", ErrMalformedField, len(b))
	}
	size := int(binary.LittleEndian.Uint32(b))
	raw, err := decompress(c.Compression, b[lenPrefix:], size)
	if err != nil {
		return nil, err
	}
	if c.Type == TypeString {
		return string(raw), nil
	}
	return append([]byte{}, raw...), nil
}

func asArray(t Type, v any) ([]any, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) > math.MaxUint32 {
		return nil, mismatch(t, v)
	}
	return arr, nil
}

func encodeFixedArray(c Column, v any) ([]byte, error) {
	arr, err := asArray(c.Type, v)
	if err != nil {
		return nil, err
	}
	w := c.Type.Width()
	n := 0
	for _, e := range arr {
		if e != nil {
			n++
		}
	}
	bm := BitmapSize(len(arr))
	out := make([]byte, lenPrefix+bm+n*w)
	binary.LittleEndian.PutUint32(out, uint32(len(arr)))
	bitmap := out[lenPrefix : lenPrefix+bm]
	pos := lenPrefix + bm
	for i, e := range arr {
		if e == nil {
			SetNull(bitmap, i)
			continue
		}
		if err := putScalar(c.Type, out[pos:pos+w], e); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		pos += w
	}
	return out, nil
}

func decodeFixedArray(c Column, b []byte) (any, error) {
	if len(b) < lenPrefix {
		return nil, fmt.Errorf("%w: %d bytes for a fixed array", ErrMalformedField, len(b))
	}
	count := int(binary.LittleEndian.Uint32(b))
	bm := BitmapSize(count)
	if len(b) < lenPrefix+bm {
		return nil, fmt.Errorf("%w: fixed array bitmap truncated", ErrMalformedField)
	}
	bitmap := b[lenPrefix : lenPrefix+bm]
	w := c.Type.Width()
	pos := lenPrefix + bm
	arr := make([]any, count)
	for i := range arr {
		if IsNull(bitmap, i) {
			continue
		}
		if pos+w > len(b) {
			return nil, fmt.Errorf("%w: fixed array element %d truncated", ErrMalformedField, i)
		}
		e, err := scalarValue(c.Type, b[pos:pos+w])
		if err != nil {
			return nil, err
		}
		arr[i] = e
		pos += w
	}
	if pos != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes after fixed array", ErrMalformedField, len(b)-pos)
	}
	return arr, nil
}

func encodeVarArray(c Column, v any) ([]byte, error) {
	arr, err := asArray(c.Type, v)
	if err != nil {
		return nil, err
	}
	elems := make([][]byte, len(arr))
	total := lenPrefix + lenPrefix*(len(arr)+1)
	for i, e := range arr {
		if e == nil {
			continue
		}
		if elems[i], err = encodeVarScalar(c, e); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		total += len(elems[i])
	}
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("%w: variable array of %d bytes", ErrTypeMismatch, total)
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out, uint32(len(arr)))
	pos := lenPrefix + lenPrefix*(len(arr)+1)
	for i, e := range elems {
		binary.LittleEndian.PutUint32(out[lenPrefix*(i+1):], uint32(pos))
		pos += copy(out[pos:], e)
	}
	binary.LittleEndian.PutUint32(out[lenPrefix*(len(arr)+1):], uint32(pos))
	return out, nil
}

func decodeVarArray(c Column, b []byte) (any, error) {
	if len(b) < lenPrefix {
		return nil, fmt.Errorf("%w: %d bytes for a variable array", ErrMalformedField, len(b))
	}
	count := int(binary.LittleEndian.Uint32(b))
	tableEnd := lenPrefix + lenPrefix*(count+1)
	if count < 0 || tableEnd > len(b) || tableEnd < lenPrefix {
		return nil, fmt.Errorf("%w: variable array position table truncated", ErrMalformedField)
	}
	offset := func(i int) int { return int(binary.LittleEndian.Uint32(b[lenPrefix*(i+1):])) }
	if offset(0) != tableEnd || offset(count) != len(b) {
		return nil, fmt.Errorf("%w: variable array bounds [%d, %d) for %d bytes", ErrMalformedField, offset(0), offset(count), len(b))
	}
	arr := make([]any, count)
	for i := range arr {
		start, end := offset(i), offset(i+1)
		if end < start || end > len(b) {
			return nil, fmt.Errorf("%w: variable array element %d spans [%d, %d)", ErrMalformedField, i, start, end)
		}
		if start == end {
			continue
		}
		e, err := decodeVarScalar(c, b[start:end])
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		arr[i] = e
	}
	return arr, nil
}
