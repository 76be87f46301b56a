package pn532

import (
	"sync"
	"time"
)

// FakeUART is an in-memory UART used by tests. Writes are recorded;
// reads are served from a queue of byte chunks pushed by the test via
// Feed, matching the mutex-guarded fake pattern used throughout the
// teacher's hal package tests.
type FakeUART struct {
	mu      sync.Mutex
	written [][]byte
	pending []byte
	err     error
}

// NewFakeUART returns an empty FakeUART.
func NewFakeUART() *FakeUART { return &FakeUART{} }

func (f *FakeUART) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return len(p), nil
}

// Read returns queued bytes fed via Feed, or (0, nil) when the queue is
// empty, matching UART's non-blocking contract.
func (f *FakeUART) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

// Feed appends bytes to the read queue, as if the device had sent them.
func (f *FakeUART) Feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, b...)
}

// FailReads makes subsequent Read calls return err.
func (f *FakeUART) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Written returns a copy of every byte slice passed to Write, in order.
func (f *FakeUART) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// FakeResetPin records Set calls for assertions.
type FakeResetPin struct {
	mu      sync.Mutex
	history []bool
}

// NewFakeResetPin returns a FakeResetPin with the line released.
func NewFakeResetPin() *FakeResetPin { return &FakeResetPin{history: []bool{true}} }

func (p *FakeResetPin) Set(released bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, released)
	return nil
}

// History returns the sequence of Set calls, oldest first.
func (p *FakeResetPin) History() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.history))
	copy(out, p.history)
	return out
}

// FakeClock is a manually-advanced Clock for deterministic tests. Sleep
// advances the clock by d instead of blocking the test goroutine.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at an arbitrary fixed time.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Advance moves the clock forward by d without sleeping.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
