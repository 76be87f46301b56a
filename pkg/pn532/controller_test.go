package pn532

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nfcbridge/pn532reader/pkg/pn532/frame"
)

func newTestController(t *testing.T) (*Controller, *FakeUART, *FakeResetPin, *FakeClock) {
	t.Helper()
	uart := NewFakeUART()
	reset := NewFakeResetPin()
	clock := NewFakeClock()
	ctrl := NewController(uart, reset, DefaultConfig()).WithClock(clock)
	return ctrl, uart, reset, clock
}

// TestDetectTagOneTypeATag covers scenario S3.
func TestDetectTagOneTypeATag(t *testing.T) {
	ctrl, uart, _, _ := newTestController(t)

	uart.Feed(frame.Ack[:])
	uart.Feed(responseFrame(cmdInListPassiveTarget, []byte{0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 0x01, 0x02, 0x03, 0x04}))

	tag, err := ctrl.DetectTag(context.Background())
	require.NoError(t, err)
	require.Equal(t, byte(0x01), tag.TargetNumber)
	require.Equal(t, byte(0x20), tag.SAK)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, tag.UID)
	require.True(t, tag.SupportsISO14443_4())

	written := uart.Written()
	require.Len(t, written, 1)
	require.Equal(t, []byte{0x00, 0x00, 0xFF, 0x04, 0xFC, 0xD4, 0x4A, 0x01, 0x00, 0xE1, 0x00}, written[0])
}

// TestDetectTagNoTag covers scenario S4.
func TestDetectTagNoTag(t *testing.T) {
	ctrl, uart, _, _ := newTestController(t)

	uart.Feed(frame.Ack[:])
	params := []byte{0x00}
	uart.Feed(responseFrame(cmdInListPassiveTarget, params))

	_, err := ctrl.DetectTag(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

// TestDetectTagTimeoutSendsAbort covers scenario S5.
func TestDetectTagTimeoutSendsAbort(t *testing.T) {
	ctrl, uart, _, _ := newTestController(t)

	uart.Feed(frame.Ack[:]) // ACK arrives, but no response follows before the deadline.

	_, err := ctrl.DetectTag(context.Background())
	require.ErrorIs(t, err, ErrNotFound)

	written := uart.Written()
	require.Len(t, written, 2, "expected request frame then ACK-abort")
	require.Equal(t, frame.Ack[:], written[1])
}

// TestCheckPresentTagGone covers scenario S6.
func TestCheckPresentTagGone(t *testing.T) {
	ctrl, uart, _, _ := newTestController(t)

	uart.Feed(frame.Ack[:])
	uart.Feed(responseFrame(cmdDiagnose, []byte{0x01}))

	present, err := ctrl.CheckPresent(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, present)

	want, err := frame.Appended(cmdDiagnose, []byte{diagnoseAttentionRequest})
	require.NoError(t, err)
	written := uart.Written()
	require.Len(t, written, 1)
	require.Equal(t, want, written[0])
}

// TestTransceiveSuccess covers scenario S7.
func TestTransceiveSuccess(t *testing.T) {
	ctrl, uart, _, _ := newTestController(t)

	uart.Feed(frame.Ack[:])
	uart.Feed(responseFrame(cmdInListPassiveTarget, []byte{0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 0x01, 0x02, 0x03, 0x04}))
	_, err := ctrl.DetectTag(context.Background())
	require.NoError(t, err)

	uart.Feed(frame.Ack[:])
	uart.Feed(responseFrame(cmdInDataExchange, []byte{0x00, 0x90, 0x00}))

	resp := make([]byte, 16)
	n, err := ctrl.Transceive(context.Background(), []byte{0x00, 0xA4, 0x04, 0x00}, resp, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{0x90, 0x00}, resp[:n])
}

// TestWaitAckRejectsCorruptedAck covers scenario S9.
func TestWaitAckRejectsCorruptedAck(t *testing.T) {
	ctrl, uart, _, _ := newTestController(t)

	uart.Feed([]byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00})

	_, err := ctrl.CheckPresent(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrDataLoss)
}

// TestControllerSingleInFlightPanics covers testable property 5: a
// second operation posted while one is outstanding is a defect, not a
// recoverable error, and must not touch the UART.
func TestControllerSingleInFlightPanics(t *testing.T) {
	ctrl, uart, _, _ := newTestController(t)

	ctrl.enter()
	defer ctrl.leave()

	require.Panics(t, func() { ctrl.enter() })
	require.Empty(t, uart.Written())
}

// responseFrame builds a device-to-host frame the same way the PN532
// would reply to cmd, with the given response params.
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

