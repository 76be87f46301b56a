package pn532

import (
	"context"
	"io"
	"time"
)

// UART is the external collaborator described in spec.md §4.5: a byte
// stream to the PN532's HSU interface. Controllers never block
// indefinitely on it — Read is always given a deadline via the
// context passed to the controller operation, and is expected to
// return promptly with 0 bytes (not block) when nothing is available
// yet, the way a non-blocking or poll-driven serial port does.
type UART interface {
	io.Writer
	// Read behaves like io.Reader but is expected to return (0, nil)
	// rather than block when no bytes are currently available, so the
	// caller can re-check its deadline between calls.
	Read(p []byte) (int, error)
}

// ResetPin is the external collaborator driving the PN532's reset line.
// Active is "inactive" (reset released, line high) and inactive is
// "active" (reset asserted, line low) — matching spec.md §4.5's note
// that active-low wiring must not be silently inverted by an
// implementer: Set(true) always means "chip running", Set(false)
// always means "chip held in reset".
type ResetPin interface {
	// Set(true) releases reset (drives the line high); Set(false)
	// asserts reset (drives the line low).
	Set(released bool) error
}

// Clock abstracts the monotonic time source and sleep primitive so
// tests can run the reader loop and controller without real delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// systemClock is the production Clock, backed by the standard library.
type systemClock struct{}

func (systemClock) Now() time.Time     { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the default Clock used outside of tests.
var SystemClock Clock = systemClock{}

// deadlineFromContext returns the context's deadline, or now+fallback
// if the context carries none.
func deadlineFromContext(ctx context.Context, clk Clock, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return clk.Now().Add(fallback)
}
