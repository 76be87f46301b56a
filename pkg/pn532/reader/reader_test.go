package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nfcbridge/pn532reader/pkg/pn532"
	"github.com/nfcbridge/pn532reader/pkg/pn532/frame"
)

func newTestReader(t *testing.T) (*Reader, *pn532.FakeUART, *pn532.FakeClock) {
	t.Helper()
	uart := pn532.NewFakeUART()
	reset := pn532.NewFakeResetPin()
	clock := pn532.NewFakeClock()
	ctrl := pn532.NewController(uart, reset, pn532.DefaultConfig()).WithClock(clock)
	r := New(ctrl, WithClock(clock), WithTimeouts(50*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond))
	return r, uart, clock
}

func feedDetectOneTag(uart *pn532.FakeUART) {
	uart.Feed(frame.Ack[:])
	uart.Feed(responseFrame(0x4A, []byte{0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 0x01, 0x02, 0x03, 0x04}))
}

func feedPresenceGone(uart *pn532.FakeUART) {
	uart.Feed(frame.Ack[:])
	uart.Feed(responseFrame(0x00, []byte{0x01}))
}

// TestRequestTransceiveBusyDoesNotTouchUART covers scenario S8 and
// testable property 5 at the reader level: a second pending request is
// rejected immediately, before any frame is written.
func TestRequestTransceiveBusyDoesNotTouchUART(t *testing.T) {
	r, uart, _ := newTestReader(t)

	r.mu.Lock()
	r.pending = &pendingTransceive{done: make(chan struct{})}
	r.mu.Unlock()

	n, err := r.RequestTransceive([]byte{0x00}, make([]byte, 4), time.Second)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, pn532.ErrBusy)
	require.Empty(t, uart.Written())
}

// TestArrivalDepartureEventBalance covers testable property 4: across a
// full arrive-then-depart cycle, the reader publishes exactly one
// TagArrived and one TagDeparted, and SubscribeOnce observes both in
// order.
func TestArrivalDepartureEventBalance(t *testing.T) {
	r, uart, _ := newTestReader(t)

	feedDetectOneTag(uart)
	feedPresenceGone(uart)
	// Recover/ReleaseTag are best-effort during departure (their errors
	// are ignored), so no response is queued for them here.

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.Start(ctx)

	arrived, err := r.SubscribeOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, TagArrived, arrived.Kind)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, arrived.Tag.UID)

	departed, err := r.SubscribeOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, TagDeparted, departed.Kind)
	require.Equal(t, arrived.Tag.UID, departed.Tag.UID)
}

// TestSubscribeOnceDropsWhenNoWaiter verifies the single-slot drop
// behavior: an event published with nobody subscribed is simply lost,
// never queued.
func TestSubscribeOnceDropsWhenNoWaiter(t *testing.T) {
	r, _, _ := newTestReader(t)

	// publish with no subscriber waiting; must not block or panic.
	r.publish(Event{Kind: TagArrived})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.SubscribeOnce(ctx)
	require.Error(t, err) // times out: the earlier event was already dropped
}

func TestStartTwicePanics(t *testing.T) {
	r, _, _ := newTestReader(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	require.Panics(t, func() { r.Start(ctx) })
}

// responseFrame builds a device-to-host frame for cmd with the given
// response params.
func responseFrame(cmd byte, params []byte) []byte {
	length := byte(2 + len(params))
	lcs := byte(256 - int(length))
	buf := make([]byte, 9+len(params))
	buf[0], buf[1], buf[2] = 0x00, 0x00, 0xFF
	buf[3] = length
	buf[4] = lcs
	buf[5] = 0xD5
	buf[6] = cmd + 1
	copy(buf[7:7+len(params)], params)
	sum := int(0xD5) + int(cmd+1)
	for _, b := range params {
		sum += int(b)
	}
	buf[7+len(params)] = byte(256 - (sum % 256))
	buf[8+len(params)] = 0x00
	return buf
}
