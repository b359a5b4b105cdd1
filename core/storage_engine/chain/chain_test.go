package chain

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sushant-115/gojostore/core/storage_engine/area"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupAllocator(t *testing.T) (*Allocator, *area.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	areas, err := area.Open(filepath.Join(t.TempDir(), "chains.db"), 64, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = areas.Close() })
	al, err := NewAllocator(areas, Config{MaxBlockSize: 128, Alignment: 8}, logger)
	require.NoError(t, err)
	return al, areas
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestBlockSizes(t *testing.T) {
	al, _ := setupAllocator(t)
	tests := []struct {
		data int
		want []int
	}{
		{1, []int{8}},
		{50, []int{56}},
		{124, []int{128}},
		{125, []int{128, 16}},
		{200, []int{128, 88}},
		{400, []int{128, 128, 128, 56}},
	}
	for _, tc := range tests {
		got, err := al.blockSizes(tc.data)
		require.NoError(t, err, "data size %d", tc.data)
		require.Equal(t, tc.want, got, "data size %d", tc.data)

		total := 0
		for _, s := range got {
			total += s
		}
		require.Equal(t, al.align(DirectorySize(len(got))+tc.data), total)
	}

	_, err := al.blockSizes(5000)
	require.ErrorIs(t, err, ErrChainTooLarge)
	_, err = al.blockSizes(0)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestStream_WriteReadAcrossBlocks(t *testing.T) {
	al, _ := setupAllocator(t)
	data := pattern(300)

	loc, err := al.CreateChain(len(data))
	require.NoError(t, err)
	require.Equal(t, uint16(0), loc.Index())

	w, err := al.Open(loc, pagemanager.FixUpdate)
	require.NoError(t, err)
	require.Len(t, w.Blocks(), 3)
	require.GreaterOrEqual(t, w.Capacity(), len(data))
	require.NoError(t, w.WriteSerial(data))
	require.NoError(t, al.Commit())

	r, err := al.Open(loc, pagemanager.FixRead)
	require.NoError(t, err)
	got := make([]byte, len(data))
	require.NoError(t, r.ReadSerial(got))
	require.Equal(t, data, got)
	require.Equal(t, len(data), r.Distance(r.DataStart(), r.Position()))

	require.ErrorIs(t, r.WriteSerial([]byte{1}), ErrReadOnly)
	require.NoError(t, al.Release())
}

func TestStream_PositionsAreNormalized(t *testing.T) {
	al, _ := setupAllocator(t)
	loc, err := al.CreateChain(200)
	require.NoError(t, err)
	s, err := al.Open(loc, pagemanager.FixUpdate)
	require.NoError(t, err)

	require.Equal(t, Pos{Block: 0, Offset: DirectorySize(2)}, s.DataStart())

	// The first block holds 128-16 data bytes; skipping them lands on block 1.
	require.NoError(t, s.Skip(112))
	require.Equal(t, Pos{Block: 1, Offset: 0}, s.Position())
	require.Equal(t, 112, s.Distance(s.DataStart(), s.Position()))
	require.Equal(t, -112, s.Distance(s.Position(), s.DataStart()))

	p, err := s.Advance(s.DataStart(), 150)
	require.NoError(t, err)
	require.Equal(t, Pos{Block: 1, Offset: 38}, p)

	_, err = s.Advance(s.DataStart(), s.Capacity()+1)
	require.ErrorIs(t, err, ErrOutOfBounds)
	require.ErrorIs(t, s.SetPosition(Pos{Block: 0, Offset: 2}), ErrOutOfBounds)
	require.NoError(t, al.Release())
}

func TestCopy_BetweenDifferentlySplitChains(t *testing.T) {
	al, _ := setupAllocator(t)
	data := pattern(260)

	srcLoc, err := al.CreateChain(len(data))
	require.NoError(t, err)
	src, err := al.Open(srcLoc, pagemanager.FixUpdate)
	require.NoError(t, err)
	require.NoError(t, src.WriteSerial(data))

	// A prefix on the destination shifts every block boundary.
	dstLoc, err := al.CreateChain(len(data) + 10)
	require.NoError(t, err)
	dst, err := al.Open(dstLoc, pagemanager.FixUpdate)
	require.NoError(t, err)
	require.NoError(t, dst.WriteSerial(bytes.Repeat([]byte{0xee}, 10)))

	require.NoError(t, src.SetPosition(src.DataStart()))
	require.NoError(t, Copy(dst, src, len(data)))
	require.NoError(t, al.Commit())

	r, err := al.Open(dstLoc, pagemanager.FixRead)
	require.NoError(t, err)
	require.NoError(t, r.Skip(10))
	got := make([]byte, len(data))
	require.NoError(t, r.ReadSerial(got))
	require.Equal(t, data, got)
	require.NoError(t, al.Release())
}

func TestFreeChain_DeferredUntilCommit(t *testing.T) {
	al, areas := setupAllocator(t)
	loc, err := al.CreateChain(200)
	require.NoError(t, err)
	require.NoError(t, al.Commit())

	blocks, err := al.Blocks(loc)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	require.NoError(t, al.FreeChain(loc))
	require.ErrorIs(t, al.FreeChain(loc), ErrInvalidLocator)

	// Discard forgets the free.
	require.NoError(t, al.Discard())
	for _, b := range blocks {
		_, err := areas.Size(b.ID)
		require.NoError(t, err)
	}

	require.NoError(t, al.FreeChain(loc))
	require.NoError(t, al.Commit())
	for _, b := range blocks {
		_, err := areas.Size(b.ID)
		require.ErrorIs(t, err, area.ErrNotLive)
	}
}

func TestDiscard_FreesCreatedChains(t *testing.T) {
	al, areas := setupAllocator(t)
	loc, err := al.CreateChain(300)
	require.NoError(t, err)
	blocks, err := al.Blocks(loc)
	require.NoError(t, err)

	require.NoError(t, al.Discard())
	for _, b := range blocks {
		_, err := areas.Size(b.ID)
		require.ErrorIs(t, err, area.ErrNotLive)
	}

	_, err = al.Open(objectid.New(5, 3), pagemanager.FixRead)
	require.ErrorIs(t, err, ErrInvalidLocator)
}
