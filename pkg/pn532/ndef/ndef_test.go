package ndef

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nfcbridge/pn532reader/pkg/pn532/mifare"
)

// fakeTransceiver mirrors the one block of tag storage that WriteText
// writes and ReadText later reads back.
type fakeTransceiver struct {
	block [mifare.BlockSize]byte
}

func (f *fakeTransceiver) Transceive(_ context.Context, command []byte, response []byte, _ time.Duration) (int, error) {
	switch command[0] {
	case 0x60, 0x61: // authenticate: no-op, always succeeds
		return 0, nil
	case 0x30: // read
		n := copy(response, f.block[:])
		return n, nil
	case 0xA0: // write
		copy(f.block[:], command[2:])
		return 0, nil
	default:
		return 0, nil
	}
}

func TestWriteThenReadTextRoundTrips(t *testing.T) {
	ft := &fakeTransceiver{}
	uid := []byte{0x01, 0x02, 0x03, 0x04}

	err := WriteText(context.Background(), ft, uid, "hello", time.Second)
	require.NoError(t, err)

	got, err := ReadText(context.Background(), ft, uid, time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestWriteTextTruncatesLongText(t *testing.T) {
	ft := &fakeTransceiver{}
	uid := []byte{0x01, 0x02, 0x03, 0x04}

	long := "this text is much too long to fit in one block"
	err := WriteText(context.Background(), ft, uid, long, time.Second)
	require.NoError(t, err)

	got, err := ReadText(context.Background(), ft, uid, time.Second)
	require.NoError(t, err)
	require.Equal(t, long[:maxTextLength], got)
}

func TestReadTextRejectsNonNDEFBlock(t *testing.T) {
	ft := &fakeTransceiver{}
	for i := range ft.block {
		ft.block[i] = 0xAA
	}

	_, err := ReadText(context.Background(), ft, []byte{1, 2, 3, 4}, time.Second)
	require.ErrorIs(t, err, ErrNotAnNDEFTextRecord)
}
