package pn532

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nfcbridge/pn532reader/pkg/pn532/frame"
)

// PN532 command bytes (spec.md §6).
const (
	cmdDiagnose             = 0x00
	cmdGetFirmwareVersion   = 0x02
	cmdSAMConfiguration     = 0x14
	cmdRFConfiguration      = 0x32
	cmdInDataExchange       = 0x40
	cmdInListPassiveTarget  = 0x4A
	cmdInRelease            = 0x52
)

const (
	diagnoseAttentionRequest = 0x06

	inDataExchangeStatusOK      = 0x00
	inDataExchangeStatusTimeout = 0x01
)

// wakeupPreambleLen is the minimum length of the 0x55 preamble burst
// used to produce the PN532's required 5th rising edge on HSU boot,
// per spec.md §4.3.1 step 3.
const wakeupPreambleLen = 24

// maxInitAttempts bounds Init's end-to-end retry loop (spec.md §4.3.1).
const maxInitAttempts = 5

// FirmwareVersion is the 4-byte payload of GetFirmwareVersion, logged
// but not otherwise validated (spec.md §4.3.1 step 4).
type FirmwareVersion struct {
	IC      byte
	Ver     byte
	Rev     byte
	Support byte
}

// Config holds the controller's tunables. Zero values are replaced by
// the defaults in spec.md §6 by NewController.
type Config struct {
	DetectionTimeout       time.Duration
	PresenceCheckInterval  time.Duration
	PresenceCheckTimeout   time.Duration
	DefaultTransceiveTimeout time.Duration
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		DetectionTimeout:         500 * time.Millisecond,
		PresenceCheckInterval:    200 * time.Millisecond,
		PresenceCheckTimeout:     100 * time.Millisecond,
		DefaultTransceiveTimeout: 1000 * time.Millisecond,
	}
}

func (c *Config) setDefaults() {
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = 500 * time.Millisecond
	}
	if c.PresenceCheckInterval <= 0 {
		c.PresenceCheckInterval = 200 * time.Millisecond
	}
	if c.PresenceCheckTimeout <= 0 {
		c.PresenceCheckTimeout = 100 * time.Millisecond
	}
	if c.DefaultTransceiveTimeout <= 0 {
		c.DefaultTransceiveTimeout = 1000 * time.Millisecond
	}
}

// Controller is the stateful owner of the UART and reset pin. It
// enforces the single-in-flight invariant structurally: posting a
// second async operation while one is outstanding is a defect (panics)
// rather than a recoverable user error — spec.md §4.3 calls this "a
// design-bug check, not a synchronization primitive".
type Controller struct {
	uart  UART
	reset ResetPin
	clock Clock
	cfg   Config

	ex *exchange

	mu                  sync.Mutex
	started             bool
	inFlight            bool
	currentTargetNumber byte
	firmware            *FirmwareVersion
}

// NewController creates a Controller over the given UART and reset
// pin. It does not touch either until Init is called.
func NewController(uart UART, reset ResetPin, cfg Config) *Controller {
	cfg.setDefaults()
	clk := SystemClock
	return &Controller{
		uart:  uart,
		reset: reset,
		clock: clk,
		cfg:   cfg,
		ex:    newExchange(uart, clk),
	}
}

// WithClock overrides the controller's Clock; intended for tests.
func (c *Controller) WithClock(clk Clock) *Controller {
	c.clock = clk
	c.ex = newExchange(c.uart, clk)
	return c
}

// enter claims the single-in-flight slot or panics if one is already
// claimed — per spec.md §4.3, this is a caller defect, not a Busy
// error (Busy is reserved for the higher-level reader's pending
// transceive-request queue, spec.md §3/§7).
func (c *Controller) enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		panic("pn532: controller operation already in flight")
	}
	c.inFlight = true
}

func (c *Controller) leave() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

// CurrentTargetNumber returns the Tg byte set by the last successful
// DetectTag, or 0 if no tag is currently selected.
func (c *Controller) CurrentTargetNumber() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTargetNumber
}

func (c *Controller) setTargetNumber(tg byte) {
	c.mu.Lock()
	c.currentTargetNumber = tg
	c.mu.Unlock()
}

// Init performs the PN532 boot sequence (spec.md §4.3.1): reset pulse,
// wakeup preamble + SAMConfiguration on one write burst, firmware
// check, and a best-effort RFConfiguration, retrying the whole
// sequence up to 5 times. Init is idempotent-forbidden: calling it a
// second time is a defect.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		panic("pn532: Init called twice")
	}
	c.started = true
	c.mu.Unlock()

	c.enter()
	defer c.leave()

	var lastErr error
	for attempt := 0; attempt < maxInitAttempts; attempt++ {
		if attempt > 0 {
			c.clock.Sleep(100 * time.Millisecond)
		}

		if err := c.resetPulse(); err != nil {
			lastErr = err
			continue
		}

		drainUART(c.uart, c.clock)

		if err := c.wakeupAndConfigureSAM(ctx); err != nil {
			lastErr = err
			continue
		}

		fw, err := c.getFirmwareVersion(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		c.firmware = fw

		// RFConfiguration failure is non-fatal (spec.md §4.3.1 step 5,
		// §9 open questions): its result is discarded and it is never
		// retried. The controller has no logger, so a failure here is
		// not logged.
		_, _ = c.ex.send(ctx, cmdRFConfiguration, []byte{0x05, 0xFF, 0x01, 0x02}, c.config().DefaultTransceiveTimeout)

		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Firmware returns the firmware version observed during Init, or nil
// if Init has not yet completed successfully.
func (c *Controller) Firmware() *FirmwareVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// config returns a copy of the controller's current tunables. Reading
// through this accessor (rather than c.cfg directly) keeps concurrent
// UpdateTimeouts calls from a config-reload watcher race-free against
// the in-flight operation reading them.
func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateTimeouts applies new timing knobs without touching the serial
// connection or reset pin, for a live config-reload watcher. Zero
// fields in t fall back to the package defaults, the same as
// NewController.
func (c *Controller) UpdateTimeouts(t Config) {
	t.setDefaults()
	c.mu.Lock()
	c.cfg = t
	c.mu.Unlock()
}

func (c *Controller) resetPulse() error {
	if c.reset == nil {
		return nil
	}
	if err := c.reset.Set(false); err != nil {
		return fmt.Errorf("%w: assert reset: %v", ErrIO, err)
	}
	c.clock.Sleep(20 * time.Millisecond)
	if err := c.reset.Set(true); err != nil {
		return fmt.Errorf("%w: release reset: %v", ErrIO, err)
	}
	c.clock.Sleep(10 * time.Millisecond)
	return nil
}

// wakeupAndConfigureSAM emits the 0x55 wakeup preamble and the
// SAMConfiguration frame in a single write burst, per spec.md §4.3.1
// step 3: the two must not be separated by a cooperative yield that
// could interleave other work, so they are concatenated into one
// buffer and written with a single UART.Write call.
func (c *Controller) wakeupAndConfigureSAM(ctx context.Context) error {
	samParams := []byte{0x01, 0x14, 0x01}
	frameBytes, err := frame.Appended(cmdSAMConfiguration, samParams)
	if err != nil {
		return err
	}

	burst := make([]byte, wakeupPreambleLen+len(frameBytes))
	for i := 0; i < wakeupPreambleLen; i++ {
		burst[i] = 0x55
	}
	copy(burst[wakeupPreambleLen:], frameBytes)

	if _, err := c.uart.Write(burst); err != nil {
		return fmt.Errorf("%w: wakeup burst: %v", ErrIO, err)
	}

	deadline := deadlineFromContext(ctx, c.clock, c.config().DefaultTransceiveTimeout)
	if err := c.ex.waitAck(ctx, deadline); err != nil {
		if err == errDeadline {
			c.ex.abortAndDrain(ctx)
			return ErrTimeout
		}
		return err
	}
	_, err = c.ex.waitResponse(ctx, cmdSAMConfiguration, deadline)
	if err != nil {
		if err == errDeadline {
			c.ex.abortAndDrain(ctx)
			return ErrTimeout
		}
		return err
	}
	return nil
}

func (c *Controller) getFirmwareVersion(ctx context.Context) (*FirmwareVersion, error) {
	payload, err := c.ex.send(ctx, cmdGetFirmwareVersion, nil, c.config().DefaultTransceiveTimeout)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: short firmware payload", ErrDataLoss)
	}
	return &FirmwareVersion{IC: payload[0], Ver: payload[1], Rev: payload[2], Support: payload[3]}, nil
}

// DetectTag issues InListPassiveTarget for a single 106 kbps Type A
// target. A response timeout is remapped to ErrNotFound, since the
// device is still polling the RF field (spec.md §4.3.2).
func (c *Controller) DetectTag(ctx context.Context) (TagInfo, error) {
	c.enter()
	defer c.leave()

	timeout := c.config().DetectionTimeout
	payload, err := c.ex.send(ctx, cmdInListPassiveTarget, []byte{0x01, 0x00}, timeout)
	if err != nil {
		if err == ErrTimeout {
			return TagInfo{}, ErrNotFound
		}
		return TagInfo{}, err
	}

	if len(payload) < 1 {
		return TagInfo{}, fmt.Errorf("%w: empty InListPassiveTarget payload", ErrDataLoss)
	}
	nbTg := payload[0]
	if nbTg == 0 {
		return TagInfo{}, ErrNotFound
	}
	if len(payload) < 6 {
		return TagInfo{}, fmt.Errorf("%w: short InListPassiveTarget payload", ErrDataLoss)
	}
	tg := payload[1]
	sak := payload[4]
	uidLen := payload[5]
	if uidLen > 10 {
		return TagInfo{}, fmt.Errorf("%w: UID length %d exceeds 10", ErrDataLoss, uidLen)
	}
	if len(payload) < 6+int(uidLen) {
		return TagInfo{}, fmt.Errorf("%w: payload too short for UID", ErrDataLoss)
	}
	uid := append([]byte(nil), payload[6:6+int(uidLen)]...)

	c.setTargetNumber(tg)
	return TagInfo{UID: uid, SAK: sak, TargetNumber: tg}, nil
}

// Transceive exchanges command bytes with the currently-detected tag
// via InDataExchange and copies the tag's answer into response. It
// requires a tag to have been detected (current target number != 0).
func (c *Controller) Transceive(ctx context.Context, command []byte, response []byte, timeout time.Duration) (int, error) {
	tg := c.CurrentTargetNumber()
	if tg == 0 {
		return 0, fmt.Errorf("pn532: transceive with no selected tag")
	}
	if len(command)+1 > frame.MaxParams {
		return 0, ErrTooLarge
	}

	c.enter()
	defer c.leave()

	params := make([]byte, 1+len(command))
	params[0] = tg
	copy(params[1:], command)

	payload, err := c.ex.send(ctx, cmdInDataExchange, params, timeout)
	if err != nil {
		return 0, err
	}
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: empty InDataExchange payload", ErrDataLoss)
	}
	status := payload[0]
	switch status {
	case inDataExchangeStatusOK:
	case inDataExchangeStatusTimeout:
		return 0, ErrTimeout
	default:
		return 0, &DeviceError{Code: status}
	}

	data := payload[1:]
	if len(data) > len(response) {
		return 0, ErrBufferTooSmall
	}
	copy(response, data)
	return len(data), nil
}

// CheckPresent polls the tag for liveness via Diagnose's Attention
// Request test. A lower-level error is returned together with false;
// the reader loop treats any such error as the tag being absent
// (spec.md §4.3.4 and §9), so a flaky tag is not mistaken for a
// persistent one.
func (c *Controller) CheckPresent(ctx context.Context, timeout time.Duration) (bool, error) {
	c.enter()
	defer c.leave()

	payload, err := c.ex.send(ctx, cmdDiagnose, []byte{diagnoseAttentionRequest}, timeout)
	if err != nil {
		return false, err
	}
	if len(payload) < 1 {
		return false, fmt.Errorf("%w: empty Diagnose payload", ErrDataLoss)
	}
	switch payload[0] {
	case 0x00:
		return true, nil
	case 0x01:
		return false, nil
	default:
		return false, &DeviceError{Code: payload[0]}
	}
}

// ReleaseTag issues InRelease for target and always clears the current
// target number afterward, regardless of the response (spec.md
// §4.3.5).
func (c *Controller) ReleaseTag(ctx context.Context, target byte) error {
	c.enter()
	defer c.leave()
	defer c.setTargetNumber(0)

	_, err := c.ex.send(ctx, cmdInRelease, []byte{target}, c.config().DefaultTransceiveTimeout)
	return err
}

// Recover resynchronizes the link after a desync: sends the ACK/cancel
// constant, waits the worst-case frame time, and drains the UART
// (spec.md §4.3.6).
func (c *Controller) Recover(ctx context.Context) error {
	c.enter()
	defer c.leave()

	_, _ = c.uart.Write(frame.Ack[:])
	c.clock.Sleep(25 * time.Millisecond) // worst-case 265-byte frame at 115200 baud
	drainUART(c.uart, c.clock)
	return nil
}
