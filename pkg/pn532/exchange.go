package pn532

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nfcbridge/pn532reader/pkg/pn532/frame"
)

// stagingBufferSize is the scratch buffer used to accumulate a response
// frame. spec.md §4.2 step 4 requires >= 265 bytes (9 byte overhead +
// 256 byte max normal-frame payload); we round up generously since the
// buffer is reused across calls, not allocated per request.
const stagingBufferSize = 300

// pollInterval is the sleep between empty UART reads while waiting for
// more bytes. It is the only cooperative-yield point besides the reads
// themselves (spec.md §5).
const pollInterval = 2 * time.Millisecond

// exchange drives one request/response cycle on the UART: build frame,
// write, wait for ACK, wait for response frame. It owns no state beyond
// a reusable scratch buffer and holds no lock itself — single-in-flight
// is enforced one level up, by Controller.
type exchange struct {
	uart  UART
	clock Clock

	buildBuf   [9 + frame.MaxParams]byte
	stagingBuf [stagingBufferSize]byte
}

func newExchange(uart UART, clock Clock) *exchange {
	return &exchange{uart: uart, clock: clock}
}

// send performs one command/response cycle and returns the response
// payload (PARAMS bytes after CMD echo). The returned slice aliases the
// exchange's internal staging buffer and is only valid until the next
// call to send.
func (x *exchange) send(ctx context.Context, cmd byte, params []byte, timeout time.Duration) ([]byte, error) {
	n, err := frame.Build(x.buildBuf[:], cmd, params)
	if err != nil {
		return nil, err
	}
	deadline := deadlineFromContext(ctx, x.clock, timeout)

	if _, err := x.uart.Write(x.buildBuf[:n]); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrIO, err)
	}

	if err := x.waitAck(ctx, deadline); err != nil {
		if err == errDeadline {
			x.abortAndDrain(ctx)
			return nil, ErrTimeout
		}
		return nil, err
	}

	payload, err := x.waitResponse(ctx, cmd, deadline)
	if err != nil {
		if err == errDeadline {
			x.abortAndDrain(ctx)
			return nil, ErrTimeout
		}
		return nil, err
	}
	return payload, nil
}

// errDeadline is an internal sentinel distinguishing "the deadline
// expired" (which triggers the ACK-abort-and-drain recovery) from other
// errors (which do not).
var errDeadline = errors.New("pn532: internal deadline sentinel")

func (x *exchange) waitAck(ctx context.Context, deadline time.Time) error {
	var ack [6]byte
	n := 0
	for n < 6 {
		if err := x.checkDeadline(ctx, deadline); err != nil {
			return err
		}
		read, err := x.uart.Read(ack[n:])
		if err != nil {
			return fmt.Errorf("%w: read ack: %v", ErrIO, err)
		}
		if read == 0 {
			x.clock.Sleep(pollInterval)
			continue
		}
		n += read
	}
	if ack != frame.Ack {
		return ErrDataLoss
	}
	return nil
}

func (x *exchange) waitResponse(ctx context.Context, cmd byte, deadline time.Time) ([]byte, error) {
	total := 0
	for {
		payload, _, err := frame.Parse(x.stagingBuf[:total], cmd)
		if err == nil {
			return payload, nil
		}
		if err != frame.ErrNeedMore {
			return nil, classifyFrameErr(err)
		}

		if err := x.checkDeadline(ctx, deadline); err != nil {
			return nil, err
		}
		if total >= len(x.stagingBuf) {
			return nil, ErrDataLoss
		}
		n, rerr := x.uart.Read(x.stagingBuf[total:])
		if rerr != nil {
			return nil, fmt.Errorf("%w: read response: %v", ErrIO, rerr)
		}
		if n == 0 {
			x.clock.Sleep(pollInterval)
			continue
		}
		total += n
	}
}

// classifyFrameErr maps a frame-package error to the driver's error
// taxonomy (spec.md §7).
func classifyFrameErr(err error) error {
	if de, ok := err.(*frame.DeviceErrorFrame); ok {
		return &DeviceError{Code: de.Code}
	}
	if err == frame.ErrDataLoss {
		return ErrDataLoss
	}
	return err
}

// checkDeadline returns errDeadline once deadline has passed (including
// when the context's own deadline expires), and ctx.Err() if the
// context was canceled first.
func (x *exchange) checkDeadline(ctx context.Context, deadline time.Time) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errDeadline
		}
		return ctx.Err()
	default:
	}
	if !x.clock.Now().Before(deadline) {
		return errDeadline
	}
	return nil
}

// abortAndDrain sends the ACK/cancel constant and reads until the UART
// goes quiet, per spec.md §4.2 step 5. Controller.Recover performs the
// same two steps with a worst-case frame-time wait between them.
func (x *exchange) abortAndDrain(ctx context.Context) {
	_, _ = x.uart.Write(frame.Ack[:])
	drainUART(x.uart, x.clock)
}

// drainUART reads and discards bytes until five consecutive reads have
// come back empty (each followed by a pollInterval sleep), bounding the
// time spent on stale bytes left over from an aborted exchange.
func drainUART(u UART, clk Clock) {
	var scratch [64]byte
	quiet := 0
	for quiet < 5 {
		n, err := u.Read(scratch[:])
		if err != nil || n == 0 {
			quiet++
			clk.Sleep(pollInterval)
			continue
		}
		quiet = 0
	}
}
