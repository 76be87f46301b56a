package mifare

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTransceiver struct {
	calls     [][]byte
	responses [][]byte
	errs      []error
}

func (f *fakeTransceiver) Transceive(_ context.Context, command []byte, response []byte, _ time.Duration) (int, error) {
	i := len(f.calls)
	f.calls = append(f.calls, append([]byte(nil), command...))
	if i >= len(f.responses) {
		return 0, nil
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return 0, err
	}
	data := f.responses[i]
	if len(data) > len(response) {
		return 0, ErrShortResponse
	}
	copy(response, data)
	return len(data), nil
}

func TestAuthenticateFramesCommandCorrectly(t *testing.T) {
	ft := &fakeTransceiver{responses: [][]byte{nil}}
	uid := []byte{0x01, 0x02, 0x03, 0x04}

	err := Authenticate(context.Background(), ft, 4, KeyA, DefaultKey, uid, time.Second)
	require.NoError(t, err)
	require.Len(t, ft.calls, 1)

	want := append([]byte{byte(KeyA), 0x04}, DefaultKey[:]...)
	want = append(want, uid...)
	require.Equal(t, want, ft.calls[0])
}

func TestReadBlockAuthenticatesThenReads(t *testing.T) {
	blockData := make([]byte, BlockSize)
	copy(blockData, []byte("hello world!!!!!"))
	ft := &fakeTransceiver{responses: [][]byte{nil, blockData}}
	uid := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	got, err := ReadBlock(context.Background(), ft, 4, KeyA, DefaultKey, uid, time.Second)
	require.NoError(t, err)
	require.Equal(t, blockData, got[:])
	require.Len(t, ft.calls, 2)
	require.Equal(t, byte(cmdRead), ft.calls[1][0])
	require.Equal(t, byte(4), ft.calls[1][1])
}

func TestWriteBlockAuthenticatesThenWrites(t *testing.T) {
	ft := &fakeTransceiver{responses: [][]byte{nil, nil}}
	uid := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	var data [BlockSize]byte
	copy(data[:], []byte("payload---------"))

	err := WriteBlock(context.Background(), ft, 4, KeyB, DefaultKey, uid, data, time.Second)
	require.NoError(t, err)
	require.Len(t, ft.calls, 2)
	require.Equal(t, byte(cmdWrite), ft.calls[1][0])
	require.Equal(t, byte(4), ft.calls[1][1])
	require.Equal(t, data[:], ft.calls[1][2:])
}

func TestReadBlockPropagatesAuthenticationError(t *testing.T) {
	ft := &fakeTransceiver{responses: [][]byte{nil}, errs: []error{ErrShortResponse}}
	_, err := ReadBlock(context.Background(), ft, 4, KeyA, DefaultKey, []byte{1, 2, 3, 4}, time.Second)
	require.Error(t, err)
	require.Len(t, ft.calls, 1, "read must not be attempted after a failed authentication")
}
