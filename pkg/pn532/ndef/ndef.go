// Package ndef implements a minimal NDEF text-record reader/writer for
// MIFARE Classic tags, built on pkg/pn532/mifare. It understands exactly
// one record shape — a single well-known "T" (text) record stored whole
// in one data block — which is what a typical single-block NFC tag
// deployment (door badges, asset labels) uses; multi-block NDEF messages
// and other record types are out of scope.
package ndef

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nfcbridge/pn532reader/pkg/pn532/mifare"
)

// textBlock is the MIFARE block conventionally used for a tag's single
// NDEF text record: the first block of sector 1, right after sector 0
// (which holds the manufacturer block).
const textBlock = 4

const (
	ndefMessageBegin = 0x03
	ndefWellKnownTNF = 0xD1
	ndefTypeLength   = 0x01
	ndefTextType     = 'T'
)

// maxTextLength bounds how much of the caller's text fits in one
// 16-byte MIFARE block alongside the NDEF/TLV, status, and 2-byte
// language-code overhead (7 header bytes + 2 language bytes).
const maxTextLength = BlockSize - 9

// BlockSize mirrors mifare.BlockSize for callers that only import ndef.
const BlockSize = mifare.BlockSize

// ErrNotAnNDEFTextRecord means the block's contents don't match the
// single-block text-record layout this package understands.
var ErrNotAnNDEFTextRecord = errors.New("ndef: block does not contain a recognized text record")

// ReadText reads and decodes the tag's NDEF text record from its
// conventional block.
func ReadText(ctx context.Context, t mifare.Transceiver, uid []byte, timeout time.Duration) (string, error) {
	block, err := mifare.ReadBlock(ctx, t, textBlock, mifare.KeyA, mifare.DefaultKey, uid, timeout)
	if err != nil {
		return "", fmt.Errorf("ndef: read text block: %w", err)
	}
	return decodeTextRecord(block[:])
}

// WriteText encodes text as a single NDEF well-known text record (fixed
// "en" language code, UTF-8) and writes it to the tag's conventional
// block. text longer than fits in one block is truncated.
func WriteText(ctx context.Context, t mifare.Transceiver, uid []byte, text string, timeout time.Duration) error {
	if len(text) > maxTextLength {
		text = text[:maxTextLength]
	}

	const langLen = 2 // "en"
	payloadLen := 1 + langLen + len(text) // status + lang + text

	var block [mifare.BlockSize]byte
	block[0] = ndefMessageBegin
	block[1] = byte(3 + payloadLen) // type-length byte + payload-length byte + type + payload
	block[2] = ndefWellKnownTNF
	block[3] = ndefTypeLength
	block[4] = byte(payloadLen)
	block[5] = ndefTextType
	block[6] = byte(langLen) // UTF-8, 2-byte language code
	copy(block[7:], "en")
	copy(block[7+langLen:], text)

	if err := mifare.WriteBlock(ctx, t, textBlock, mifare.KeyA, mifare.DefaultKey, uid, block, timeout); err != nil {
		return fmt.Errorf("ndef: write text block: %w", err)
	}
	return nil
}

// decodeTextRecord inverts WriteText's layout:
//
//	[0]=03 message-begin  [1]=record length  [2]=D1 TNF  [3]=01 type-length
//	[4]=payload length    [5]='T' type       [6]=status (lang-code length)
//	[7:7+langLen]=lang    [7+langLen:]=text
func decodeTextRecord(data []byte) (string, error) {
	if len(data) <= 7 || data[0] != ndefMessageBegin || data[2] != ndefWellKnownTNF || data[5] != ndefTextType {
		return "", ErrNotAnNDEFTextRecord
	}
	langLen := int(data[6] & 0x3F)
	payloadLen := int(data[4])
	textLen := payloadLen - 1 - langLen
	textStart := 7 + langLen
	if textLen < 0 || textStart+textLen > len(data) {
		return "", ErrNotAnNDEFTextRecord
	}
	return string(data[textStart : textStart+textLen]), nil
}
