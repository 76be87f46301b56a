// Package reader implements the long-running tag-lifecycle state
// machine described in spec.md §4.4: it drives a *pn532.Controller
// through Detecting -> TagPresent -> Departed, interleaving periodic
// presence checks with application-submitted transceive requests, and
// publishes TagArrived/TagDeparted events to at most one outstanding
// subscriber at a time.
package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nfcbridge/pn532reader/pkg/pn532"
)

// EventKind discriminates the two events a Reader publishes.
type EventKind int

const (
	// TagArrived fires once when a new tag is detected.
	TagArrived EventKind = iota
	// TagDeparted fires once when a previously-present tag stops
	// answering presence checks.
	TagDeparted
)

func (k EventKind) String() string {
	if k == TagArrived {
		return "arrived"
	}
	return "departed"
}

// Event is a single value delivered to a subscriber.
type Event struct {
	Kind EventKind
	Tag  pn532.TagInfo
	// CorrelationID identifies this one physical tag event across every
	// consumer that observes it (audit row, MQTT message, WebSocket
	// frame), so an operator can line them up after the fact.
	CorrelationID string
}

// idleTick is the reader loop's cooperative-yield sleep, spec.md §4.4's
// "wait_for(10ms)".
const idleTick = 10 * time.Millisecond

// State is the reader's discriminated lifecycle state (spec.md §3).
type State int

const (
	StateInitializing State = iota
	StateDetecting
	StateTagPresent
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateDetecting:
		return "detecting"
	case StateTagPresent:
		return "tag_present"
	case StateReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// pendingTransceive is the reader's at-most-one outstanding
// application request (spec.md §3).
type pendingTransceive struct {
	command  []byte
	response []byte
	timeout  time.Duration
	done     chan struct{}
	n        int
	err      error
}

// Reader owns one Controller for the lifetime of the process. Per
// spec.md §5, tearing it down requires restarting the whole driver —
// there is no graceful per-tag cancellation. The context passed to
// Start governs only the loop goroutine's lifetime, for process
// shutdown and tests.
type Reader struct {
	ctrl   *pn532.Controller
	clock  pn532.Clock
	log    *zap.Logger

	detectionTimeout      time.Duration
	presenceCheckInterval time.Duration
	presenceCheckTimeout  time.Duration

	mu      sync.Mutex
	started bool
	state   State
	current *pn532.TagInfo
	pending *pendingTransceive
	subs    chan chan Event
}

// Option configures a Reader at construction time.
type Option func(*Reader)

// WithLogger overrides the reader's logger. The default is a no-op
// logger, matching zap.NewNop() used throughout the teacher's tests.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reader) { r.log = log }
}

// WithClock overrides the reader's Clock; intended for tests.
func WithClock(clk pn532.Clock) Option {
	return func(r *Reader) { r.clock = clk }
}

// WithTimeouts overrides the three loop timeouts from their spec.md §6
// defaults. Zero values leave the corresponding default untouched.
func WithTimeouts(detection, presenceInterval, presenceTimeout time.Duration) Option {
	return func(r *Reader) {
		if detection > 0 {
			r.detectionTimeout = detection
		}
		if presenceInterval > 0 {
			r.presenceCheckInterval = presenceInterval
		}
		if presenceTimeout > 0 {
			r.presenceCheckTimeout = presenceTimeout
		}
	}
}

// New creates a Reader over ctrl. ctrl must already be Init'd (or
// Start will fail the first DetectTag call and simply keep retrying,
// since DetectTag errors are logged and recovered per spec.md §7).
func New(ctrl *pn532.Controller, opts ...Option) *Reader {
	r := &Reader{
		ctrl:                  ctrl,
		clock:                 pn532.SystemClock,
		log:                   zap.NewNop(),
		detectionTimeout:      500 * time.Millisecond,
		presenceCheckInterval: 200 * time.Millisecond,
		presenceCheckTimeout:  100 * time.Millisecond,
		state:                 StateInitializing,
		subs:                  make(chan chan Event, 8),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the reader loop in its own goroutine and returns
// immediately. Calling Start twice is a defect (spec.md §6: "idempotent
// forbidden").
func (r *Reader) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		panic("pn532/reader: Start called twice")
	}
	r.started = true
	r.state = StateDetecting
	r.mu.Unlock()

	go r.loop(ctx)
}

// HasTag reports whether a tag is currently present.
func (r *Reader) HasTag() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// CurrentTag returns the currently-present tag, if any.
func (r *Reader) CurrentTag() (pn532.TagInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return pn532.TagInfo{}, false
	}
	return *r.current, true
}

// State returns the reader's current lifecycle state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SubscribeOnce waits for the next TagArrived or TagDeparted event.
// It is single-shot: a subscriber that isn't waiting when an event is
// published simply misses it (spec.md §4.4) — the same information can
// always be recovered via HasTag/CurrentTag.
func (r *Reader) SubscribeOnce(ctx context.Context) (Event, error) {
	respCh := make(chan Event, 1)
	select {
	case r.subs <- respCh:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
	select {
	case ev := <-respCh:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// publish resolves at most one outstanding subscriber with ev. If none
// is waiting, the event is dropped.
func (r *Reader) publish(ev Event) {
	ev.CorrelationID = uuid.NewString()
	select {
	case respCh := <-r.subs:
		respCh <- ev
	default:
	}
}

// RequestTransceive submits a single APDU exchange with the
// currently-present tag and blocks until the reader loop has serviced
// it. A second call made while one is outstanding returns
// pn532.ErrBusy immediately without touching the UART (spec.md §8
// property 5 / scenario S8). There is no cancellation: once accepted,
// the request will be serviced even if the caller stops waiting.
func (r *Reader) RequestTransceive(command []byte, response []byte, timeout time.Duration) (int, error) {
	req := &pendingTransceive{
		command:  command,
		response: response,
		timeout:  timeout,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return 0, pn532.ErrBusy
	}
	r.pending = req
	r.mu.Unlock()

	<-req.done
	return req.n, req.err
}

func (r *Reader) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		state := r.state
		r.mu.Unlock()

		switch state {
		case StateDetecting:
			r.runDetecting(ctx)
		case StateTagPresent:
			r.runTagPresent(ctx)
		default:
			return
		}
	}
}

func (r *Reader) runDetecting(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, r.detectionTimeout)
	tag, err := r.ctrl.DetectTag(dctx)
	cancel()

	switch {
	case err == nil:
		r.mu.Lock()
		t := tag
		r.current = &t
		r.state = StateTagPresent
		r.mu.Unlock()
		r.log.Info("tag arrived", zap.String("uid", hexString(tag.UID)), zap.Uint8("target", tag.TargetNumber))
		r.publish(Event{Kind: TagArrived, Tag: tag})
	case errors.Is(err, pn532.ErrNotFound):
		// No tag this round; poll again immediately.
	default:
		r.log.Warn("detect_tag failed, retrying", zap.Error(err))
	}
}

func (r *Reader) runTagPresent(ctx context.Context) {
	nextCheck := r.clock.Now().Add(r.presenceCheckInterval)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		req := r.pending
		r.mu.Unlock()

		if req != nil {
			r.serviceTransceive(ctx, req)
			nextCheck = r.clock.Now().Add(r.presenceCheckInterval)
			continue
		}

		if !r.clock.Now().Before(nextCheck) {
			if _, ok := r.checkPresence(ctx); !ok {
				r.handleDeparture(ctx)
				return
			}
			nextCheck = r.clock.Now().Add(r.presenceCheckInterval)
		}

		r.clock.Sleep(idleTick)
	}
}

func (r *Reader) serviceTransceive(ctx context.Context, req *pendingTransceive) {
	tctx, cancel := context.WithTimeout(ctx, req.timeout)
	n, err := r.ctrl.Transceive(tctx, req.command, req.response, req.timeout)
	cancel()

	req.n, req.err = n, err
	close(req.done)

	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// checkPresence runs one Diagnose Attention Request test. It returns
// ok=false whenever the tag should be considered gone: either the
// device said so, or a lower-level error occurred, per spec.md §4.3.4
// and §9 (an IoError during a presence check is treated as departure,
// a pragmatic choice, not a protocol requirement).
func (r *Reader) checkPresence(ctx context.Context) (present bool, ok bool) {
	pctx, cancel := context.WithTimeout(ctx, r.presenceCheckTimeout)
	present, err := r.ctrl.CheckPresent(pctx, r.presenceCheckTimeout)
	cancel()
	if err != nil {
		r.log.Debug("presence check error, treating as departed", zap.Error(err))
		return false, false
	}
	if !present {
		return false, false
	}
	return true, true
}

func (r *Reader) handleDeparture(ctx context.Context) {
	r.mu.Lock()
	tag := r.current
	r.current = nil
	r.state = StateReleasing
	r.mu.Unlock()

	if tag == nil {
		r.mu.Lock()
		r.state = StateDetecting
		r.mu.Unlock()
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	_ = r.ctrl.Recover(rctx)
	_ = r.ctrl.ReleaseTag(rctx, tag.TargetNumber)
	cancel()

	r.mu.Lock()
	r.state = StateDetecting
	r.mu.Unlock()

	r.log.Info("tag departed", zap.String("uid", hexString(tag.UID)))
	r.publish(Event{Kind: TagDeparted, Tag: *tag})
}

func hexString(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}
