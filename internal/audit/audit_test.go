package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nfcbridge/pn532reader/pkg/pn532"
	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Record(reader.Event{
		Kind: reader.TagArrived,
		Tag:  pn532.TagInfo{UID: []byte{0x01, 0x02, 0x03, 0x04}, SAK: 0x08, TargetNumber: 1},
	}))
	require.NoError(t, l.Record(reader.Event{
		Kind: reader.TagDeparted,
		Tag:  pn532.TagInfo{UID: []byte{0x01, 0x02, 0x03, 0x04}, SAK: 0x08, TargetNumber: 1},
	}))

	entries, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first
	require.Equal(t, "departed", entries[0].Kind)
	require.Equal(t, "arrived", entries[1].Kind)
	require.Equal(t, "01020304", entries[0].UID)
}

func TestRecentRespectsLimit(t *testing.T) {
	l := openTestLog(t)
	for i := byte(0); i < 5; i++ {
		require.NoError(t, l.Record(reader.Event{Kind: reader.TagArrived, Tag: pn532.TagInfo{UID: []byte{i}}}))
	}

	entries, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestRunConsumesUntilContextCanceled(t *testing.T) {
	l := openTestLog(t)
	events := make(chan reader.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx, events, nil)
		close(done)
	}()

	events <- reader.Event{Kind: reader.TagArrived, Tag: pn532.TagInfo{UID: []byte{0x0A}}}

	require.Eventually(t, func() bool {
		entries, err := l.Recent(10)
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunReportsWriteErrorsAfterClose(t *testing.T) {
	l := openTestLog(t)
	l.Close() // force subsequent writes to fail

	events := make(chan reader.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go l.Run(ctx, events, func(err error) { errCh <- err })

	events <- reader.Event{Kind: reader.TagArrived, Tag: pn532.TagInfo{UID: []byte{0x0A}}}

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Run to report the write failure")
	}
}
