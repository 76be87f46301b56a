// Package watchdog periodically logs the reader's health and, if the
// reader has been parked in StateReleasing for too long, calls Recover
// to pull the
// controller back into a known PN532 state without restarting the
// whole daemon.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nfcbridge/pn532reader/pkg/pn532"
	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

// Watchdog runs a cron-scheduled health check against a Reader.
type Watchdog struct {
	cron     *cron.Cron
	reader   *reader.Reader
	recover  func(ctx context.Context) error
	log      *zap.Logger
	interval time.Duration

	lastState      reader.State
	stateSince     time.Time
	stuckThreshold time.Duration
}

// New creates a Watchdog that checks reader every interval, logging its
// state and recovering the controller (via recover) if the reader
// appears stuck in StateReleasing for longer than stuckThreshold.
// StateDetecting is never treated as stuck.
func New(r *reader.Reader, recover func(ctx context.Context) error, log *zap.Logger, interval, stuckThreshold time.Duration) *Watchdog {
	return &Watchdog{
		cron:           cron.New(),
		reader:         r,
		recover:        recover,
		log:            log,
		interval:       interval,
		stateSince:     time.Now(),
		stuckThreshold: stuckThreshold,
	}
}

// Start schedules the periodic check and begins running it.
func (w *Watchdog) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", w.interval.String())
	_, err := w.cron.AddFunc(spec, func() {
		w.check(ctx)
	})
	if err != nil {
		return fmt.Errorf("watchdog: schedule check: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the scheduled check.
func (w *Watchdog) Stop() {
	w.cron.Stop()
}

func (w *Watchdog) check(ctx context.Context) {
	state := w.reader.State()
	if state != w.lastState {
		w.lastState = state
		w.stateSince = time.Now()
	}

	tag, hasTag := w.reader.CurrentTag()
	fields := []zap.Field{zap.String("state", state.String()), zap.Bool("has_tag", hasTag)}
	if hasTag {
		fields = append(fields, zap.String("uid", tag.String()))
	}
	w.log.Debug("watchdog check", fields...)

	// StateReleasing should clear within one departure-grace window; a
	// reader parked there past stuckThreshold means the release/recover
	// exchange itself wedged. StateDetecting with no tag present is the
	// normal idle resting state and is not a health concern on its own.
	stuck := state == reader.StateReleasing
	if stuck && time.Since(w.stateSince) > w.stuckThreshold {
		w.log.Warn("reader appears stuck, attempting recovery",
			zap.String("state", state.String()),
			zap.Duration("stuck_for", time.Since(w.stateSince)),
		)
		if err := w.recover(ctx); err != nil {
			w.log.Error("watchdog recovery failed", zap.Error(err))
			return
		}
		w.stateSince = time.Now()
	}
}

// RecoverFunc adapts a *pn532.Controller's Recover method to the
// function signature Watchdog.New expects.
func RecoverFunc(c *pn532.Controller) func(context.Context) error {
	return c.Recover
}
