// Package codec serializes typed column values. Fixed-width scalar columns
// live in the record's fixed slot behind a null bitmap; everything else
// (strings, byte strings and arrays) is encoded as a self-describing field
// stored in the record's variable chain.
package codec

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSchema  = errors.New("codec: invalid schema")
	ErrTypeMismatch   = errors.New("codec: value does not match column type")
	ErrMalformedField = errors.New("codec: malformed field bytes")
)

// Type is the element type of a column.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeTimestamp
	TypeString
	TypeBytes
)

var typeNames = map[Type]string{
	TypeInt8: "int8", TypeInt16: "int16", TypeInt32: "int32", TypeInt64: "int64",
	TypeUint8: "uint8", TypeUint16: "uint16", TypeUint32: "uint32", TypeUint64: "uint64",
	TypeFloat32: "float32", TypeFloat64: "float64", TypeBool: "bool",
	TypeTimestamp: "timestamp", TypeString: "string", TypeBytes: "bytes",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Width is the encoded size of a fixed-width type, or 0 for variable types.
func (t Type) Width() int {
	switch t {
	case TypeInt8, TypeUint8, TypeBool:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeTimestamp:
		return 8
	}
	return 0
}

func (t Type) IsVariable() bool { return t == TypeString || t == TypeBytes }

func (t Type) valid() bool { return t > TypeInvalid && t <= TypeBytes }

// Shape says whether a column holds one value or an array of them.
type Shape uint8

const (
	ShapeScalar Shape = iota
	// ShapeFixedArray is an array of fixed-width elements.
	ShapeFixedArray
	// ShapeVarArray is an array of variable-width elements.
	ShapeVarArray
)

func (s Shape) String() string {
	switch s {
	case ShapeScalar:
		return "scalar"
	case ShapeFixedArray:
		return "fixed_array"
	case ShapeVarArray:
		return "var_array"
	}
	return fmt.Sprintf("shape(%d)", uint8(s))
}

// Compression applies to the payload of variable-width scalars and
// variable-array elements.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// Column describes one column of a record. All columns are nullable.
type Column struct {
	Name        string
	Type        Type
	Shape       Shape
	Compression Compression
}

// IsVariable reports whether the column is stored in the variable chain.
func (c Column) IsVariable() bool {
	return c.Shape != ShapeScalar || c.Type.IsVariable()
}

func (c Column) validate() error {
	if !c.Type.valid() {
		return fmt.Errorf("%w: column %q has invalid type %v", ErrInvalidSchema, c.Name, c.Type)
	}
	switch c.Shape {
	case ShapeScalar:
	case ShapeFixedArray:
		if c.Type.IsVariable() {
			return fmt.Errorf("%w: column %q: fixed array of variable type %v", ErrInvalidSchema, c.Name, c.Type)
		}
	case ShapeVarArray:
		if !c.Type.IsVariable() {
			return fmt.Errorf("%w: column %q: variable array of fixed type %v", ErrInvalidSchema, c.Name, c.Type)
		}
	default:
		return fmt.Errorf("%w: column %q has invalid shape %v", ErrInvalidSchema, c.Name, c.Shape)
	}
	if c.Compression > CompressionLZ4 {
		return fmt.Errorf("%w: column %q has invalid compression %v", ErrInvalidSchema, c.Name, c.Compression)
	}
	if c.Compression != CompressionNone && !c.Type.IsVariable() {
		return fmt.Errorf("%w: column %q: compression only applies to string and bytes", ErrInvalidSchema, c.Name)
	}
	return nil
}

// Schema is an ordered, immutable set of columns with its fixed layout
// precomputed.
type Schema struct {
	columns []Column

	fixed        []int // column indexes stored in the fixed layout
	variable     []int // column indexes stored in the variable chain
	slot         []int // per column: index into fixed or variable
	fixedOffsets []int // per fixed column: byte offset in the fixed layout
	bitmapSize   int
	fixedSize    int
}

func NewSchema(columns ...Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}
	s := &Schema{
		columns: append([]Column(nil), columns...),
		slot:    make([]int, len(columns)),
	}
	names := make(map[string]struct{}, len(columns))
	for i, c := range columns {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if c.Name != "" {
			if _, dup := names[c.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
			}
			names[c.Name] = struct{}{}
		}
		if c.IsVariable() {
			s.slot[i] = len(s.variable)
			s.variable = append(s.variable, i)
		} else {
			s.slot[i] = len(s.fixed)
			s.fixed = append(s.fixed, i)
		}
	}
	s.bitmapSize = BitmapSize(len(s.fixed))
	off := s.bitmapSize
	for _, ci := range s.fixed {
		s.fixedOffsets = append(s.fixedOffsets, off)
		off += columns[ci].Type.Width()
	}
	s.fixedSize = off
	return s, nil
}

// MustSchema is NewSchema for static schemas.
func MustSchema(columns ...Column) *Schema {
	s, err := NewSchema(columns...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) NumColumns() int        { return len(s.columns) }
func (s *Schema) Column(i int) Column    { return s.columns[i] }
func (s *Schema) FixedColumns() []int    { return s.fixed }
func (s *Schema) VariableColumns() []int { return s.variable }
func (s *Schema) HasVariable() bool      { return len(s.variable) > 0 }

// FixedSize is the size of the fixed layout: bitmap plus fixed values.
func (s *Schema) FixedSize() int { return s.fixedSize }

// VariableIndex maps a column index to its position among the variable
// columns.
func (s *Schema) VariableIndex(col int) (int, bool) {
	if col < 0 || col >= len(s.columns) || !s.columns[col].IsVariable() {
		return 0, false
	}
	return s.slot[col], true
}

// ColumnIndex looks a column up by name.
func (s *Schema) ColumnIndex(name string) (int, bool) {
	for i, c := range s.columns {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

func (s *Schema) checkColumn(col int) error {
	if col < 0 || col >= len(s.columns) {
		return fmt.Errorf("%w: column %d out of range [0, %d)", ErrInvalidSchema, col, len(s.columns))
	}
	return nil
}
