// Package frame implements the PN532 normal information frame: building
// outbound host-to-device frames and parsing inbound device-to-host
// frames, including preamble/postamble, LEN/LCS, TFI, and DCS.
//
// See the PN532 User Manual (UM0701-02), section 6.2.1.
package frame

import (
	"errors"
	"fmt"
)

// MaxParams is the largest params payload a normal frame can carry.
// LEN is a single byte covering TFI+CMD+PARAMS, so |PARAMS| <= 255-2.
const MaxParams = 253

const (
	preamble   = 0x00
	startCode1 = 0x00
	startCode2 = 0xFF
	postamble  = 0x00

	// HostToDevice is the TFI byte on outbound frames.
	HostToDevice = 0xD4
	// DeviceToHost is the TFI byte on inbound, successful frames.
	DeviceToHost = 0xD5
	// DeviceError is the TFI byte on an inbound device error frame.
	DeviceError = 0x7F
)

// Ack is the fixed 6-byte ACK frame. The PN532 also treats it as a
// cancel command when sent host-to-device mid-response.
var Ack = [6]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}

// ErrTooLarge is returned by Build when params exceeds MaxParams.
var ErrTooLarge = errors.New("frame: params exceeds 253 bytes")

// ErrNeedMore is returned by Parse when buf does not yet contain a
// complete frame; the caller should read more bytes and retry.
var ErrNeedMore = errors.New("frame: need more data")

// ErrDataLoss is returned by Parse for any framing violation other than
// a device-reported error frame: missing start sequence, bad LCS, wrong
// TFI, wrong response CMD, or bad DCS.
var ErrDataLoss = errors.New("frame: data loss")

// DeviceErrorFrame is returned by Parse when the device sent an error
// frame (TFI=0x7F). Code is the single error-code byte that follows.
type DeviceErrorFrame struct {
	Code byte
}

func (e *DeviceErrorFrame) Error() string {
	return fmt.Sprintf("frame: device error frame, code=0x%02x", e.Code)
}

// Build writes a complete normal information frame for a host->device
// command into dst, which must have length >= 9+len(params), and
// returns the number of bytes written. Layout:
//
//	00 00 FF LEN LCS D4 CMD PARAMS... DCS 00
func Build(dst []byte, cmd byte, params []byte) (int, error) {
	if len(params) > MaxParams {
		return 0, ErrTooLarge
	}
	n := 9 + len(params)
	if len(dst) < n {
		return 0, fmt.Errorf("frame: dst too small, need %d have %d", n, len(dst))
	}
	length := byte(2 + len(params))
	lcs := byte(256 - int(length))

	dst[0] = preamble
	dst[1] = startCode1
	dst[2] = startCode2
	dst[3] = length
	dst[4] = lcs
	dst[5] = HostToDevice
	dst[6] = cmd
	copy(dst[7:7+len(params)], params)

	sum := int(HostToDevice) + int(cmd)
	for _, b := range params {
		sum += int(b)
	}
	dst[7+len(params)] = byte(256 - (sum % 256))
	dst[8+len(params)] = postamble
	return n, nil
}

// Appended is a convenience wrapper around Build that allocates its own
// buffer, used by call sites that don't already own a scratch buffer.
func Appended(cmd byte, params []byte) ([]byte, error) {
	buf := make([]byte, 9+len(params))
	n, err := Build(buf, cmd, params)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Parse scans buf for a normal information frame whose CMD echo equals
// expectedCmd+1, tolerating arbitrary leading noise/preamble bytes (the
// search for the 00 FF start sequence is the only tolerance allowed; no
// other field may be imputed). On success it returns the payload slice
// (PARAMS, i.e. the bytes after CMD and before DCS) and the number of
// bytes of buf consumed. On ErrNeedMore, n is meaningless and the
// caller should read more bytes and retry from the start of buf.
func Parse(buf []byte, expectedCmd byte) (payload []byte, n int, err error) {
	if len(buf) < 2 {
		// Too short to conclusively rule out a 00 FF start sequence.
		return nil, 0, ErrNeedMore
	}
	start := -1
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == startCode1 && buf[i+1] == startCode2 {
			start = i
			break
		}
	}
	if start == -1 {
		// A single trailing 0x00 might be the first byte of 00 FF.
		if len(buf) > 0 && buf[len(buf)-1] == startCode1 {
			return nil, 0, ErrNeedMore
		}
		return nil, 0, ErrDataLoss
	}
	buf = buf[start:]

	if len(buf) < 4 {
		return nil, 0, ErrNeedMore
	}
	length := buf[2]
	lcs := buf[3]
	if byte(int(length)+int(lcs)) != 0 {
		return nil, 0, ErrDataLoss
	}

	need := int(length) + 2 // TFI..DCS plus postamble
	if len(buf) < 4+need {
		return nil, 0, ErrNeedMore
	}

	tfi := buf[4]
	if tfi == DeviceError {
		code := byte(0)
		if length >= 2 {
			code = buf[5]
		}
		return nil, start + 4 + need, &DeviceErrorFrame{Code: code}
	}
	if tfi != DeviceToHost {
		return nil, 0, ErrDataLoss
	}
	if length < 2 {
		return nil, 0, ErrDataLoss
	}
	cmdEcho := buf[5]
	if cmdEcho != expectedCmd+1 {
		return nil, 0, ErrDataLoss
	}

	sum := 0
	for i := 0; i < int(length); i++ {
		sum += int(buf[4+i])
	}
	dcs := buf[4+int(length)]
	if byte((sum+int(dcs))%256) != 0 {
		return nil, 0, ErrDataLoss
	}

	payload = buf[6 : 4+int(length)]
	return payload, start + 4 + need, nil
}
