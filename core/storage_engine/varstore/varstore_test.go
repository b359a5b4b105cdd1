package varstore

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/sushant-115/gojostore/core/storage_engine/area"
	"github.com/sushant-115/gojostore/core/storage_engine/chain"
	"github.com/sushant-115/gojostore/core/storage_engine/codec"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testSchema = codec.MustSchema(
	codec.Column{Name: "id", Type: codec.TypeInt64},
	codec.Column{Name: "name", Type: codec.TypeString},
	codec.Column{Name: "tags", Type: codec.TypeString, Shape: codec.ShapeVarArray},
	codec.Column{Name: "blob", Type: codec.TypeBytes, Compression: codec.CompressionSnappy},
)

func setupStore(t *testing.T) (*Store, *chain.Allocator) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	areas, err := area.Open(filepath.Join(t.TempDir(), "var.db"), 64, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = areas.Close() })
	chains, err := chain.NewAllocator(areas, chain.Config{MaxBlockSize: 128, Alignment: 8}, logger)
	require.NoError(t, err)
	s, err := New(chains, testSchema, logger)
	require.NoError(t, err)
	require.Equal(t, 3, s.NumFields())
	return s, chains
}

func TestVarstore_InsertRead(t *testing.T) {
	s, chains := setupStore(t)
	long := strings.Repeat("n", 300)

	loc, err := s.Insert([]any{long, []any{"x", "yy"}, nil})
	require.NoError(t, err)
	require.NoError(t, chains.Commit())

	all, err := s.Read(loc, nil)
	require.NoError(t, err)
	require.Equal(t, []any{long, []any{"x", "yy"}, nil}, all)

	some, err := s.Read(loc, []int{2, 1})
	require.NoError(t, err)
	require.Equal(t, []any{nil, []any{"x", "yy"}}, some)

	lengths, err := s.FieldLengths(loc)
	require.NoError(t, err)
	require.Equal(t, []int{304, 4 + 12 + 5 + 6, 0}, lengths)

	_, err = s.Read(loc, []int{3})
	require.ErrorIs(t, err, ErrFieldOutOfRange)
	require.NoError(t, chains.Release())
}

func TestVarstore_UpdateCopiesUnchangedFieldsVerbatim(t *testing.T) {
	s, chains := setupStore(t)
	old, err := s.Insert([]any{"abc", []any{"x", "yy"}, []byte("payload")})
	require.NoError(t, err)
	oldTags, err := s.ReadRaw(old, 1)
	require.NoError(t, err)

	updated, err := s.Update(old, map[int]any{0: "abcdef"})
	require.NoError(t, err)
	require.NotEqual(t, old, updated)
	require.NoError(t, chains.Commit())

	values, err := s.Read(updated, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"abcdef", []any{"x", "yy"}, []byte("payload")}, values)

	newTags, err := s.ReadRaw(updated, 1)
	require.NoError(t, err)
	require.Equal(t, oldTags, newTags)

	// The old chain is untouched.
	values, err = s.Read(old, []int{0})
	require.NoError(t, err)
	require.Equal(t, []any{"abc"}, values)

	// Setting a field to null shrinks it to nothing.
	nulled, err := s.Update(updated, map[int]any{2: nil})
	require.NoError(t, err)
	lengths, err := s.FieldLengths(nulled)
	require.NoError(t, err)
	require.Equal(t, 0, lengths[2])
	require.NoError(t, chains.Release())
}

func TestVarstore_EraseIsDeferredToCommit(t *testing.T) {
	s, chains := setupStore(t)
	loc, err := s.Insert([]any{"a", nil, nil})
	require.NoError(t, err)
	require.NoError(t, chains.Commit())

	require.NoError(t, s.Erase(loc))
	_, err = s.Read(loc, nil)
	require.NoError(t, err, "still readable until commit")
	require.NoError(t, chains.Commit())

	_, err = s.Read(loc, nil)
	require.ErrorIs(t, err, area.ErrNotLive)
}

func TestVarstore_Verify(t *testing.T) {
	s, chains := setupStore(t)
	loc, err := s.Insert([]any{strings.Repeat("v", 200), []any{"t"}, nil})
	require.NoError(t, err)
	require.NoError(t, chains.Commit())

	sink := &common.CollectingSink{BestEffort: true}
	require.NoError(t, s.Verify(loc, sink))
	require.Empty(t, sink.Mismatches())
	require.NoError(t, chains.Release())

	// Point the end of the table at the start of the last non-null field.
	stream, err := chains.Open(loc, pagemanager.FixUpdate)
	require.NoError(t, err)
	table := make([]byte, entrySize*4)
	require.NoError(t, stream.ReadSerial(table))
	copy(table[entrySize*3:], table[entrySize*1:entrySize*2])
	copy(table[entrySize*2:], table[entrySize*1:entrySize*2])
	require.NoError(t, stream.SetPosition(stream.DataStart()))
	require.NoError(t, stream.WriteSerial(table))
	require.NoError(t, chains.Commit())

	sink = &common.CollectingSink{BestEffort: true}
	require.NoError(t, s.Verify(loc, sink))
	require.Equal(t, 1, sink.Count(common.SeverityFatal))
	require.NoError(t, chains.Release())
}
