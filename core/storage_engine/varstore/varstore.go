// Package varstore keeps the variable-width fields of one record in a chain.
// The chain data starts with a position table of fieldCount+1 entries; field
// i spans from position i to position i+1 and a zero-length field is null.
package varstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sushant-115/gojostore/core/storage_engine/chain"
	"github.com/sushant-115/gojostore/core/storage_engine/codec"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

var (
	ErrNoVariableColumns = errors.New("varstore: schema has no variable columns")
	ErrFieldOutOfRange   = errors.New("varstore: field index out of range")
	ErrCorrupted         = errors.New("varstore: corrupted position table")
)

// entrySize is one position table entry: block index and in-block offset.
const entrySize = 8

const component = "varstore"

// Store lays out the variable columns of a schema. Field indexes are
// positions among the schema's variable columns.
type Store struct {
	chains  *chain.Allocator
	columns []codec.Column
	logger  *zap.Logger
}

func New(chains *chain.Allocator, schema *codec.Schema, logger *zap.Logger) (*Store, error) {
	if !schema.HasVariable() {
		return nil, ErrNoVariableColumns
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{chains: chains, logger: logger.Named("varstore")}
	for _, ci := range schema.VariableColumns() {
		s.columns = append(s.columns, schema.Column(ci))
	}
	return s, nil
}

func (s *Store) NumFields() int { return len(s.columns) }

func (s *Store) tableSize() int { return entrySize * (len(s.columns) + 1) }

// Insert encodes values (one per variable column, nil for null) into a new
// chain and returns its locator.
func (s *Store) Insert(values []any) (objectid.ObjectID, error) {
	if len(values) != len(s.columns) {
		return objectid.InvalidObjectID, fmt.Errorf("%w: %d values for %d fields", ErrFieldOutOfRange, len(values), len(s.columns))
	}
	encoded := make([][]byte, len(values))
	lengths := make([]int, len(values))
	for i, v := range values {
		b, err := codec.EncodeField(s.columns[i], v)
		if err != nil {
			return objectid.InvalidObjectID, fmt.Errorf("field %d (%s): %w", i, s.columns[i].Name, err)
		}
		encoded[i] = b
		lengths[i] = len(b)
	}
	loc, stream, err := s.create(lengths)
	if err != nil {
		return objectid.InvalidObjectID, err
	}
	for _, b := range encoded {
		if err := stream.WriteSerial(b); err != nil {
			return objectid.InvalidObjectID, err
		}
	}
	return loc, nil
}

// create allocates a chain for fields of the given lengths, writes its
// position table and leaves the stream on the first field.
func (s *Store) create(lengths []int) (objectid.ObjectID, *chain.Stream, error) {
	dataSize := s.tableSize()
	for _, l := range lengths {
		dataSize += l
	}
	loc, err := s.chains.CreateChain(dataSize)
	if err != nil {
		return objectid.InvalidObjectID, nil, err
	}
	stream, err := s.chains.Open(loc, pagemanager.FixUpdate)
	if err != nil {
		return objectid.InvalidObjectID, nil, err
	}
	positions := make([]chain.Pos, len(lengths)+1)
	if positions[0], err = stream.Advance(stream.DataStart(), s.tableSize()); err != nil {
		return objectid.InvalidObjectID, nil, err
	}
	for i, l := range lengths {
		if positions[i+1], err = stream.Advance(positions[i], l); err != nil {
			return objectid.InvalidObjectID, nil, err
		}
	}
	table := make([]byte, s.tableSize())
	for i, p := range positions {
		binary.LittleEndian.PutUint32(table[i*entrySize:], uint32(p.Block))
		binary.LittleEndian.PutUint32(table[i*entrySize+4:], uint32(p.Offset))
	}
	if err := stream.WriteSerial(table); err != nil {
		return objectid.InvalidObjectID, nil, err
	}
	return loc, stream, nil
}

// open reads the position table of the chain at loc.
func (s *Store) open(loc objectid.ObjectID, mode pagemanager.FixMode) (*chain.Stream, []chain.Pos, error) {
	stream, err := s.chains.Open(loc, mode)
	if err != nil {
		return nil, nil, err
	}
	table := make([]byte, s.tableSize())
	if err := stream.ReadSerial(table); err != nil {
		return nil, nil, fmt.Errorf("%w: reading table of %v: %v", ErrCorrupted, loc, err)
	}
	positions := make([]chain.Pos, len(s.columns)+1)
	for i := range positions {
		p := chain.Pos{
			Block:  int(binary.LittleEndian.Uint32(table[i*entrySize:])),
			Offset: int(binary.LittleEndian.Uint32(table[i*entrySize+4:])),
		}
		// Validate through the stream so that positions stay inside the chain.
		if err := stream.SetPosition(p); err != nil {
			return nil, nil, fmt.Errorf("%w: position %d of %v: %v", ErrCorrupted, i, loc, err)
		}
		positions[i] = stream.Position()
		if i > 0 && positions[i].Before(positions[i-1]) {
			return nil, nil, fmt.Errorf("%w: position %d of %v goes backwards", ErrCorrupted, i, loc)
		}
	}
	if stream.Distance(stream.DataStart(), positions[0]) != s.tableSize() {
		return nil, nil, fmt.Errorf("%w: first field of %v does not follow the table", ErrCorrupted, loc)
	}
	return stream, positions, nil
}

func lengthsOf(stream *chain.Stream, positions []chain.Pos) []int {
	lengths := make([]int, len(positions)-1)
	for i := range lengths {
		lengths[i] = stream.Distance(positions[i], positions[i+1])
	}
	return lengths
}

// FieldLengths returns the encoded length of every field of the chain.
func (s *Store) FieldLengths(loc objectid.ObjectID) ([]int, error) {
	stream, positions, err := s.open(loc, pagemanager.FixRead)
	if err != nil {
		return nil, err
	}
	return lengthsOf(stream, positions), nil
}

// Read decodes the requested fields, in the order given. A nil fields slice
// reads every field.
func (s *Store) Read(loc objectid.ObjectID, fields []int) ([]any, error) {
	if fields == nil {
		fields = make([]int, len(s.columns))
		for i := range fields {
			fields[i] = i
		}
	}
	for _, f := range fields {
		if f < 0 || f >= len(s.columns) {
			return nil, fmt.Errorf("%w: %d", ErrFieldOutOfRange, f)
		}
	}
	stream, positions, err := s.open(loc, pagemanager.FixRead)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(fields))
	for i, f := range fields {
		n := stream.Distance(positions[f], positions[f+1])
		if n == 0 {
			continue
		}
		if err := stream.SetPosition(positions[f]); err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if err := stream.ReadSerial(buf); err != nil {
			return nil, err
		}
		if values[i], err = codec.DecodeField(s.columns[f], buf); err != nil {
			return nil, fmt.Errorf("field %d of %v: %w", f, loc, err)
		}
	}
	return values, nil
}

// ReadRaw returns the encoded bytes of one field, empty when it is null.
func (s *Store) ReadRaw(loc objectid.ObjectID, field int) ([]byte, error) {
	if field < 0 || field >= len(s.columns) {
		return nil, fmt.Errorf("%w: %d", ErrFieldOutOfRange, field)
	}
	stream, positions, err := s.open(loc, pagemanager.FixRead)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, stream.Distance(positions[field], positions[field+1]))
	if err := stream.SetPosition(positions[field]); err != nil {
		return nil, err
	}
	if err := stream.ReadSerial(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Update writes a new chain holding changes (by field index) and the
// unchanged fields of old, copied byte for byte. old is left untouched.
func (s *Store) Update(old objectid.ObjectID, changes map[int]any) (objectid.ObjectID, error) {
	src, oldPositions, err := s.open(old, pagemanager.FixRead)
	if err != nil {
		return objectid.InvalidObjectID, err
	}
	lengths := lengthsOf(src, oldPositions)
	encoded := make(map[int][]byte, len(changes))
	for f, v := range changes {
		if f < 0 || f >= len(s.columns) {
			return objectid.InvalidObjectID, fmt.Errorf("%w: %d", ErrFieldOutOfRange, f)
		}
		b, err := codec.EncodeField(s.columns[f], v)
		if err != nil {
			return objectid.InvalidObjectID, fmt.Errorf("field %d (%s): %w", f, s.columns[f].Name, err)
		}
		encoded[f] = b
		lengths[f] = len(b)
	}

	loc, dst, err := s.create(lengths)
	if err != nil {
		return objectid.InvalidObjectID, err
	}
	for f := range s.columns {
		if b, changed := encoded[f]; changed {
			if err := dst.WriteSerial(b); err != nil {
				return objectid.InvalidObjectID, err
			}
			continue
		}
		if lengths[f] == 0 {
			continue
		}
		if err := src.SetPosition(oldPositions[f]); err != nil {
			return objectid.InvalidObjectID, err
		}
		if err := chain.Copy(dst, src, lengths[f]); err != nil {
			return objectid.InvalidObjectID, err
		}
	}
	s.logger.Debug("Rewrote variable fields", zap.Stringer("old", old), zap.Stringer("new", loc), zap.Int("changed", len(changes)))
	return loc, nil
}

// Erase frees the chain at loc.
func (s *Store) Erase(loc objectid.ObjectID) error {
	return s.chains.FreeChain(loc)
}

// Verify checks one chain: the block sizes recorded in the directory must
// match the area store and add up to the table and field bytes rounded to
// the block alignment, and every field must decode.
func (s *Store) Verify(loc objectid.ObjectID, sink common.VerifySink) error {
	report := func(sev common.Severity, format string, args ...any) error {
		return sink.Report(common.Mismatch{Severity: sev, Component: component, Object: loc, Message: fmt.Sprintf(format, args...)})
	}
	stream, positions, err := s.open(loc, pagemanager.FixRead)
	if err != nil {
		return report(common.SeverityFatal, "unreadable chain: %v", err)
	}
	blocks := stream.Blocks()
	total := 0
	for i, b := range blocks {
		total += b.Size
		size, err := s.chains.AreaSize(b.ID)
		if err != nil {
			if rerr := report(common.SeverityFatal, "block %d (area %d): %v", i, b.ID, err); rerr != nil {
				return rerr
			}
			continue
		}
		if size != b.Size {
			if rerr := report(common.SeverityFatal, "block %d (area %d) is %d bytes, directory says %d", i, b.ID, size, b.Size); rerr != nil {
				return rerr
			}
		}
	}
	used := stream.Distance(stream.DataStart(), positions[len(positions)-1])
	if want := s.chains.Align(chain.DirectorySize(len(blocks)) + used); want != total {
		if rerr := report(common.SeverityFatal, "chain blocks hold %d bytes, fields need %d", total, want); rerr != nil {
			return rerr
		}
	}
	for f := range s.columns {
		n := stream.Distance(positions[f], positions[f+1])
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		err := stream.SetPosition(positions[f])
		if err == nil {
			err = stream.ReadSerial(buf)
		}
		if err == nil {
			_, err = codec.DecodeField(s.columns[f], buf)
		}
		if err != nil {
			if rerr := report(common.SeverityFatal, "field %d: %v", f, err); rerr != nil {
				return rerr
			}
		}
	}
	return nil
}
