package pn532

import (
	"fmt"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"go.bug.st/serial"
)

// SerialPortConfig configures the production UART transport.
type SerialPortConfig struct {
	// Port is the device path, e.g. "/dev/ttyAMA0" or "/dev/ttyUSB0".
	Port string
	// ReadTimeout bounds how long a single Read call may block before
	// returning (0, nil) with no data, so the exchange's deadline
	// polling loop (pn532.exchange) keeps control. spec.md's transport
	// contract requires non-blocking-ish reads; go.bug.st/serial only
	// offers a bounded-blocking read, so a short timeout here stands
	// in for that.
	ReadTimeout time.Duration
}

// DefaultReadTimeout is used when SerialPortConfig.ReadTimeout is zero.
const DefaultReadTimeout = 5 * time.Millisecond

// serialUART adapts go.bug.st/serial.Port to the UART interface.
type serialUART struct {
	port serial.Port
}

// OpenSerialUART opens the PN532's HSU port at 115200 8N1, per spec.md
// §6.
func OpenSerialUART(cfg SerialPortConfig) (UART, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, cfg.Port, err)
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrIO, err)
	}
	return &serialUART{port: port}, nil
}

func (s *serialUART) Write(p []byte) (int, error) { return s.port.Write(p) }

// Read relies on the port's configured read timeout to return (0, nil)
// on a quiet line instead of blocking indefinitely, matching the UART
// interface's contract.
func (s *serialUART) Read(p []byte) (int, error) { return s.port.Read(p) }

// Close releases the underlying serial port.
func (s *serialUART) Close() error { return s.port.Close() }

// rpioResetPin adapts a go-rpio pin to the ResetPin interface. Active
// (released) drives the line high; inactive (asserted) drives it low,
// matching spec.md §4.5's active-low reset wiring.
type rpioResetPin struct {
	pin rpio.Pin
}

// OpenRPIOResetPin opens the BCM GPIO numbered pin as the PN532's reset
// line. Callers must call rpio.Open() once at process start before
// constructing any reset pin.
func OpenRPIOResetPin(bcmPin int) ResetPin {
	pin := rpio.Pin(bcmPin)
	pin.Output()
	pin.High()
	return &rpioResetPin{pin: pin}
}

func (p *rpioResetPin) Set(released bool) error {
	if released {
		p.pin.High()
	} else {
		p.pin.Low()
	}
	return nil
}
