package objectid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectID_PackUnpack(t *testing.T) {
	cases := []struct {
		page  uint64
		index uint16
	}{
		{1, 0},
		{1, 65535},
		{42, 7},
		{MaxPage, 3},
	}
	for _, tc := range cases {
		id := New(tc.page, tc.index)
		require.True(t, id.IsValid())
		require.Equal(t, tc.page, id.Page())
		require.Equal(t, tc.index, id.Index())

		buf := make([]byte, Size)
		id.Put(buf)
		require.Equal(t, id, FromBytes(buf))
	}
}

func TestObjectID_Invalid(t *testing.T) {
	require.False(t, InvalidObjectID.IsValid())
	require.Equal(t, InvalidObjectID, New(0, 0))
	require.Equal(t, "oid{none}", InvalidObjectID.String())
	require.Equal(t, "oid{page: 3, index: 9}", New(3, 9).String())
}
