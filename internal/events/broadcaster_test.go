package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nfcbridge/pn532reader/pkg/pn532"
	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

func testEvent(uid byte) reader.Event {
	return reader.Event{Kind: reader.TagArrived, Tag: pn532.TagInfo{UID: []byte{uid}, TargetNumber: 1}}
}

func TestSubscribeFansOutToAllSubscribers(t *testing.T) {
	b := New(nil)

	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.publish(testEvent(1))

	select {
	case ev := <-ch1:
		require.Equal(t, byte(1), ev.Tag.UID[0])
	default:
		t.Fatal("ch1 did not receive event")
	}
	select {
	case ev := <-ch2:
		require.Equal(t, byte(1), ev.Tag.UID[0])
	default:
		t.Fatal("ch2 did not receive event")
	}
}

func TestCancelStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New(nil)

	ch, cancel := b.Subscribe(4)
	cancel()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")

	// Publishing after cancel must not panic (no send on closed channel).
	b.publish(testEvent(2))
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New(nil)
	_, cancel := b.Subscribe(1)
	cancel()
	require.NotPanics(t, func() { cancel() })
}

func TestSlowSubscriberDropsOldestRatherThanBlocking(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.publish(testEvent(1))
	b.publish(testEvent(2))

	select {
	case ev := <-ch:
		require.Equal(t, byte(2), ev.Tag.UID[0], "oldest queued event should have been dropped")
	case <-time.After(time.Second):
		t.Fatal("publish must not block on a full subscriber channel")
	}
}

func TestSubscribeZeroBufferGetsOne(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(0)
	defer cancel()

	b.publish(testEvent(1))
	select {
	case <-ch:
	default:
		t.Fatal("expected buffered delivery with a non-positive buffer request")
	}
}
