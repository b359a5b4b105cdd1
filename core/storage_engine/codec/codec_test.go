package codec

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
)

func TestBitmap_MostSignificantBitFirst(t *testing.T) {
	bm := make([]byte, BitmapSize(10))
	require.Len(t, bm, 2)
	SetNull(bm, 0)
	SetNull(bm, 9)
	require.Equal(t, []byte{0x80, 0x40}, bm)
	require.True(t, IsNull(bm, 0))
	require.False(t, IsNull(bm, 1))
	ClearNull(bm, 0)
	require.Equal(t, byte(0), bm[0])
}

func TestSchema_Layout(t *testing.T) {
	s, err := NewSchema(
		Column{Name: "id", Type: TypeInt64},
		Column{Name: "name", Type: TypeString},
		Column{Name: "flag", Type: TypeBool},
		Column{Name: "scores", Type: TypeInt32, Shape: ShapeFixedArray},
	)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, s.FixedColumns())
	require.Equal(t, []int{1, 3}, s.VariableColumns())
	require.Equal(t, 1+8+1, s.FixedSize())

	vi, ok := s.VariableIndex(3)
	require.True(t, ok)
	require.Equal(t, 1, vi)
	_, ok = s.VariableIndex(0)
	require.False(t, ok)
}

func TestSchema_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cols []Column
	}{
		{"empty", nil},
		{"bad type", []Column{{Name: "a"}}},
		{"fixed array of strings", []Column{{Name: "a", Type: TypeString, Shape: ShapeFixedArray}}},
		{"var array of ints", []Column{{Name: "a", Type: TypeInt32, Shape: ShapeVarArray}}},
		{"compressed int", []Column{{Name: "a", Type: TypeInt32, Compression: CompressionLZ4}}},
		{"duplicate", []Column{{Name: "a", Type: TypeInt32}, {Name: "a", Type: TypeBool}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSchema(tc.cols...)
			require.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestFixedLayout_RoundTripAndNulls(t *testing.T) {
	s := MustSchema(
		Column{Name: "i8", Type: TypeInt8},
		Column{Name: "u16", Type: TypeUint16},
		Column{Name: "f64", Type: TypeFloat64},
		Column{Name: "ts", Type: TypeTimestamp},
		Column{Name: "b", Type: TypeBool},
	)
	ts := time.Date(2024, 2, 29, 12, 0, 0, 1234, time.UTC)
	buf := make([]byte, s.FixedSize())
	require.NoError(t, s.EncodeFixed(buf, []any{-5, uint16(65535), 2.5, ts, nil}))

	want := []any{int8(-5), uint16(65535), 2.5, ts, nil}
	for col, w := range want {
		got, err := s.DecodeFixed(buf, col)
		require.NoError(t, err)
		require.Equal(t, w, got, "column %d", col)
	}
	require.Equal(t, byte(0x08), buf[0], "only the fifth fixed column is null")

	require.NoError(t, s.SetFixed(buf, 0, nil))
	got, err := s.DecodeFixed(buf, 0)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFixedLayout_TypeErrors(t *testing.T) {
	s := MustSchema(Column{Name: "i8", Type: TypeInt8}, Column{Name: "u8", Type: TypeUint8})
	buf := make([]byte, s.FixedSize())
	require.ErrorIs(t, s.EncodeFixed(buf, []any{300, nil}), ErrTypeMismatch)
	require.ErrorIs(t, s.EncodeFixed(buf, []any{nil, -1}), ErrTypeMismatch)
	require.ErrorIs(t, s.EncodeFixed(buf, []any{"x", nil}), ErrTypeMismatch)
	require.ErrorIs(t, s.EncodeFixed(buf, []any{nil}), ErrInvalidSchema)
}

func TestVariableScalar(t *testing.T) {
	col := Column{Name: "s", Type: TypeString}
	b, err := EncodeField(col, "abc")
	require.NoError(t, err)
	require.Equal(t, []byte{3, 0, 0, 0, 'a', 'b', 'c'}, b)

	v, err := DecodeField(col, b)
	require.NoError(t, err)
	require.Equal(t, "abc", v)

	empty, err := EncodeField(col, "")
	require.NoError(t, err)
	require.Len(t, empty, 4, "an empty string is not null")

	null, err := EncodeField(col, nil)
	require.NoError(t, err)
	require.Empty(t, null)
	v, err = DecodeField(col, null)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestVariableScalar_Compression(t *testing.T) {
	long := bytes.Repeat([]byte("gojostore "), 200)
	for _, c := range []Compression{CompressionSnappy, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			col := Column{Name: "blob", Type: TypeBytes, Compression: c}
			b, err := EncodeField(col, long)
			require.NoError(t, err)
			require.Less(t, len(b), len(long))
			require.Equal(t, uint32(len(long)), binary.LittleEndian.Uint32(b))

			v, err := DecodeField(col, b)
			require.NoError(t, err)
			require.Equal(t, long, v)

			// Incompressible input is kept raw.
			short := []byte{0x01, 0x7f}
			b, err = EncodeField(col, short)
			require.NoError(t, err)
			require.Equal(t, append([]byte{2, 0, 0, 0}, short...), b)
		})
	}
}

func TestVariableScalar_Precompressed(t *testing.T) {
	col := Column{Name: "s", Type: TypeString, Compression: CompressionSnappy}
	raw := bytes.Repeat([]byte("a"), 100)
	data := snappy.Encode(nil, raw)
	b, err := EncodeField(col, Precompressed{Data: data, Size: len(raw)})
	require.NoError(t, err)
	require.Equal(t, data, b[4:], "precompressed bytes pass through")

	v, err := DecodeField(col, b)
	require.NoError(t, err)
	require.Equal(t, string(raw), v)

	_, err = EncodeField(col, Precompressed{Data: data, Size: 1})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestFixedArray(t *testing.T) {
	col := Column{Name: "a", Type: TypeInt16, Shape: ShapeFixedArray}
	b, err := EncodeField(col, []any{1, nil, 3})
	require.NoError(t, err)
	// count, bitmap with the second bit set, then two elements only
	require.Equal(t, []byte{3, 0, 0, 0, 0x40, 1, 0, 3, 0}, b)

	v, err := DecodeField(col, b)
	require.NoError(t, err)
	require.Equal(t, []any{int16(1), nil, int16(3)}, v)

	_, err = DecodeField(col, append(b, 0))
	require.ErrorIs(t, err, ErrMalformedField)
}

func TestVariableArray(t *testing.T) {
	col := Column{Name: "tags", Type: TypeString, Shape: ShapeVarArray}
	b, err := EncodeField(col, []any{"x", nil, "yy"})
	require.NoError(t, err)
	// count + 4 offsets + "x" + "yy"
	require.Len(t, b, 4+16+5+6)
	require.Equal(t, uint32(20), binary.LittleEndian.Uint32(b[4:]))

	v, err := DecodeField(col, b)
	require.NoError(t, err)
	require.Equal(t, []any{"x", nil, "yy"}, v)

	empty, err := EncodeField(col, []any{})
	require.NoError(t, err)
	v, err = DecodeField(col, empty)
	require.NoError(t, err)
	require.Equal(t, []any{}, v)

	_, err = EncodeField(col, []string{"x"})
	require.ErrorIs(t, err, ErrTypeMismatch)

	b[4] = 0xff
	_, err = DecodeField(col, b)
	require.ErrorIs(t, err, ErrMalformedField)
}
