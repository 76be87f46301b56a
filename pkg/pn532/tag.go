package pn532

import "fmt"

// iso14443aSupportsAPDU is bit 5 of SAK (ISO/IEC 14443-3 Select
// Acknowledge), which signals ISO/IEC 14443-4 APDU support.
const iso14443aSupportsAPDU = 0x20

// TagInfo describes a tag detected by InListPassiveTarget. It is a plain
// value: callers may copy it freely, and its lifetime is independent of
// the controller's internal state once returned.
type TagInfo struct {
	// UID is the tag's unique identifier, 4, 7, or 10 bytes.
	UID []byte
	// SAK is the Select Acknowledge byte from anticollision.
	SAK byte
	// TargetNumber is the PN532's local target index (Tg), 1-based,
	// used by InDataExchange and InRelease to address this tag.
	TargetNumber byte
}

// SupportsISO14443_4 reports whether the tag's SAK advertises ISO/IEC
// 14443-4 (APDU/transceive) support.
func (t TagInfo) SupportsISO14443_4() bool {
	return t.SAK&iso14443aSupportsAPDU != 0
}

func (t TagInfo) String() string {
	return fmt.Sprintf("tag{uid=%x sak=0x%02x target=%d apdu=%t}", t.UID, t.SAK, t.TargetNumber, t.SupportsISO14443_4())
}
