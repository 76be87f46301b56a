// Package mifare implements MIFARE Classic block authentication,
// reading, and writing on top of a detected tag's InDataExchange
// transport. It is layered strictly above pn532.Controller.Transceive:
// every MIFARE command here is framed as plain APDU-style
// command/response bytes, with no knowledge of InDataExchange framing,
// target numbers, or frame checksums.
package mifare

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MIFARE command bytes, PN532 User Manual §7.3.8.
const (
	cmdAuthWithKeyA = 0x60
	cmdAuthWithKeyB = 0x61
	cmdRead         = 0x30
	cmdWrite        = 0xA0

	// BlockSize is the fixed size of a MIFARE Classic data block.
	BlockSize = 16
	// KeySize is the fixed size of a MIFARE Classic A/B key.
	KeySize = 6
)

// DefaultKey is the factory-default MIFARE Classic key, used when no
// application key has been set on the tag.
var DefaultKey = [KeySize]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ErrShortResponse means the tag's answer was too small to be a valid
// MIFARE read response.
var ErrShortResponse = errors.New("mifare: short response from tag")

// KeyType selects which of a sector's two keys to authenticate with.
type KeyType byte

const (
	KeyA KeyType = cmdAuthWithKeyA
	KeyB KeyType = cmdAuthWithKeyB
)

// Transceiver is the subset of pn532.Controller (or reader.Reader) that
// MIFARE operations are built on: a single blocking APDU exchange with
// the currently-selected tag.
type Transceiver interface {
	Transceive(ctx context.Context, command []byte, response []byte, timeout time.Duration) (int, error)
}

// Authenticate performs the MIFARE Classic key-A/B authentication
// handshake for block, using the tag's uid (4, 7, or 10 bytes). It must
// be called before ReadBlock or WriteBlock addressing the same sector.
func Authenticate(ctx context.Context, t Transceiver, block int, keyType KeyType, key [KeySize]byte, uid []byte, timeout time.Duration) error {
	cmd := make([]byte, 2+KeySize+len(uid))
	cmd[0] = byte(keyType)
	cmd[1] = byte(block)
	copy(cmd[2:2+KeySize], key[:])
	copy(cmd[2+KeySize:], uid)

	if _, err := t.Transceive(ctx, cmd, nil, timeout); err != nil {
		return fmt.Errorf("mifare: authenticate block %d: %w", block, err)
	}
	return nil
}

// ReadBlock authenticates with key and reads the 16-byte contents of
// block.
func ReadBlock(ctx context.Context, t Transceiver, block int, keyType KeyType, key [KeySize]byte, uid []byte, timeout time.Duration) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	if err := Authenticate(ctx, t, block, keyType, key, uid, timeout); err != nil {
		return out, err
	}

	resp := make([]byte, BlockSize)
	n, err := t.Transceive(ctx, []byte{cmdRead, byte(block)}, resp, timeout)
	if err != nil {
		return out, fmt.Errorf("mifare: read block %d: %w", block, err)
	}
	if n < BlockSize {
		return out, fmt.Errorf("%w: got %d bytes, want %d", ErrShortResponse, n, BlockSize)
	}
	copy(out[:], resp[:BlockSize])
	return out, nil
}

// WriteBlock authenticates with key and writes data (exactly 16 bytes)
// to block.
func WriteBlock(ctx context.Context, t Transceiver, block int, keyType KeyType, key [KeySize]byte, uid []byte, data [BlockSize]byte, timeout time.Duration) error {
	if err := Authenticate(ctx, t, block, keyType, key, uid, timeout); err != nil {
		return err
	}

	cmd := make([]byte, 2+BlockSize)
	cmd[0] = cmdWrite
	cmd[1] = byte(block)
	copy(cmd[2:], data[:])

	if _, err := t.Transceive(ctx, cmd, nil, timeout); err != nil {
		return fmt.Errorf("mifare: write block %d: %w", block, err)
	}
	return nil
}
