package area

import (
	"path/filepath"
	"testing"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestManager(t *testing.T, path string) *Manager {
	t.Helper()
	m, err := Open(path, 64, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func TestArea_CreateAttachDetach(t *testing.T) {
	m := openTestManager(t, filepath.Join(t.TempDir(), "areas.db"))
	defer m.Close()

	id, err := m.Create(100)
	require.NoError(t, err)
	require.NotEqual(t, InvalidID, id)

	size, err := m.Size(id)
	require.NoError(t, err)
	require.Equal(t, 100, size)

	a, err := m.Attach(id, pagemanager.FixUpdate)
	require.NoError(t, err)
	require.Equal(t, 100, a.Size())
	copy(a.Bytes(), []byte("chained bytes"))
	require.NoError(t, m.Detach(a, true))

	a, err = m.Attach(id, pagemanager.FixRead)
	require.NoError(t, err)
	require.Equal(t, []byte("chained bytes"), a.Bytes()[:13])
	require.NoError(t, m.Detach(a, false))
}

func TestArea_FreeListReusesAreas(t *testing.T) {
	m := openTestManager(t, filepath.Join(t.TempDir(), "areas.db"))
	defer m.Close()

	small, err := m.Create(10)
	require.NoError(t, err)
	big, err := m.Create(500)
	require.NoError(t, err)

	require.NoError(t, m.Free(big))
	require.ErrorIs(t, m.Free(big), ErrNotLive)

	_, err = m.Attach(big, pagemanager.FixRead)
	require.ErrorIs(t, err, ErrNotLive)

	// A request that fits in the freed run gets it back.
	reused, err := m.Create(200)
	require.NoError(t, err)
	require.Equal(t, big, reused)

	// Nothing free is large enough now, so the file grows.
	grown, err := m.Create(1000)
	require.NoError(t, err)
	require.Greater(t, uint64(grown), uint64(reused))
	require.NotEqual(t, small, grown)
}

func TestArea_ReopenKeepsFreeList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "areas.db")
	m := openTestManager(t, path)
	a, err := m.Create(30)
	require.NoError(t, err)
	b, err := m.Create(30)
	require.NoError(t, err)
	require.NoError(t, m.Free(a))
	require.NoError(t, m.Close())

	m = openTestManager(t, path)
	defer m.Close()

	_, err = m.Size(b)
	require.NoError(t, err)
	again, err := m.Create(20)
	require.NoError(t, err)
	require.Equal(t, a, again)
}

func TestArea_RejectsBadInput(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "tiny.db"), 8, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrInvalidSize)

	m := openTestManager(t, filepath.Join(t.TempDir(), "areas.db"))
	defer m.Close()
	_, err = m.Create(0)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = m.Size(InvalidID)
	require.ErrorIs(t, err, ErrNotLive)
}
