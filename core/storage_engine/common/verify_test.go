package common

import (
	"context"
	"testing"
	"time"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"github.com/stretchr/testify/require"
)

func TestCollectingSink(t *testing.T) {
	sink := &CollectingSink{}
	require.NoError(t, sink.Report(Mismatch{Severity: SeverityInconsistent, Component: "slotstore", Message: "count"}))
	err := sink.Report(Mismatch{Severity: SeverityFatal, Component: "varstore", Object: objectid.New(3, 0), Message: "size"})
	require.ErrorIs(t, err, ErrVerifyAborted)
	require.Len(t, sink.Mismatches(), 2)
	require.Equal(t, 1, sink.Count(SeverityFatal))

	best := &CollectingSink{BestEffort: true}
	require.NoError(t, best.Report(Mismatch{Severity: SeverityFatal}))
}

func TestThrottle(t *testing.T) {
	off := NewThrottle(0)
	require.Nil(t, off)
	require.NoError(t, off.Wait(context.Background(), 1000))

	th := NewThrottle(1000)
	start := time.Now()
	require.NoError(t, th.Wait(context.Background(), 10))
	require.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, th.Wait(ctx, 1))
}
