package codec

import "fmt"

// EncodeFixed writes the fixed layout of row into dst, which must be at
// least FixedSize bytes. row is indexed by column; variable columns are
// ignored. A nil value sets the column's null bit and zeroes its bytes.
func (s *Schema) EncodeFixed(dst []byte, row []any) error {
	if len(row) != len(s.columns) {
		return fmt.Errorf("%w: row has %d values, schema has %d columns", ErrInvalidSchema, len(row), len(s.columns))
	}
	if len(dst) < s.fixedSize {
		return fmt.Errorf("%w: fixed buffer of %d bytes, need %d", ErrMalformedField, len(dst), s.fixedSize)
	}
	clear(dst[:s.bitmapSize])
	for fi, ci := range s.fixed {
		if err := s.putFixed(dst, fi, row[ci]); err != nil {
			return fmt.Errorf("column %d: %w", ci, err)
		}
	}
	return nil
}

// SetFixed overwrites one fixed column inside an existing fixed layout.
func (s *Schema) SetFixed(dst []byte, col int, v any) error {
	if err := s.checkColumn(col); err != nil {
		return err
	}
	if s.columns[col].IsVariable() {
		return fmt.Errorf("%w: column %d is not fixed", ErrInvalidSchema, col)
	}
	return s.putFixed(dst, s.slot[col], v)
}

func (s *Schema) putFixed(dst []byte, fi int, v any) error {
	t := s.columns[s.fixed[fi]].Type
	field := dst[s.fixedOffsets[fi] : s.fixedOffsets[fi]+t.Width()]
	if v == nil {
		SetNull(dst, fi)
		clear(field)
		return nil
	}
	ClearNull(dst, fi)
	return putScalar(t, field, v)
}

// DecodeFixed reads one fixed column from a fixed layout.
func (s *Schema) DecodeFixed(src []byte, col int) (any, error) {
	if err := s.checkColumn(col); err != nil {
		return nil, err
	}
	if s.columns[col].IsVariable() {
		return nil, fmt.Errorf("%w: column %d is not fixed", ErrInvalidSchema, col)
	}
	if len(src) < s.fixedSize {
		return nil, fmt.Errorf("%w: fixed layout of %d bytes, need %d", ErrMalformedField, len(src), s.fixedSize)
	}
	fi := s.slot[col]
	if IsNull(src, fi) {
		return nil, nil
	}
	t := s.columns[col].Type
	return scalarValue(t, src[s.fixedOffsets[fi]:s.fixedOffsets[fi]+t.Width()])
}
