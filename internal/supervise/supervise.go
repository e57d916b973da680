// Package supervise wraps long-running session operations with a hard
// watchdog, tiered progress notices, and a connectivity probe that
// distinguishes a slow network from no network at all.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

var (
	// ErrOffline is returned before an operation starts when the
	// connectivity probe reports no usable network.
	ErrOffline = errors.New("network unreachable")

	// ErrWatchdog is returned when the watchdog expires. The wrapped state
	// has already been reset; the outcome of the underlying operation can no
	// longer be trusted either way.
	ErrWatchdog = errors.New("operation watchdog expired")
)

// Probe answers the cheap question "does this device currently have a
// network path worth waiting on". Consulted before an operation starts and
// again when it stalls.
type Probe interface {
	Online(ctx context.Context) bool
}

// NoticeFunc receives user-facing progress messages at the configured
// elapsed-time tiers.
type NoticeFunc func(message string)

// Supervisor runs operations under a watchdog. The reset callback is the
// escape hatch for indeterminate outcomes: it must forcibly return the
// session to a well-defined state without awaiting acknowledgements.
type Supervisor struct {
	cfg   config.WatchdogConfig
	probe Probe
	reset func(ctx context.Context)
	log   *logger.Logger

	onNotice NoticeFunc
}

// New creates a supervisor. probe and reset may be nil; a nil probe skips
// connectivity checks, a nil reset leaves recovery to the caller.
func New(cfg config.WatchdogConfig, probe Probe, reset func(ctx context.Context), log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		probe: probe,
		reset: reset,
		log:   log.Component("Supervisor"),
	}
}

// OnNotice registers the progress message sink. Not safe to call while an
// operation is running.
func (s *Supervisor) OnNotice(fn NoticeFunc) {
	s.onNotice = fn
}

// Run executes op under the watchdog. It returns op's own error on
// completion, ErrOffline if the probe fails before starting, or ErrWatchdog
// after forcing a reset when the timeout expires with no result.
func (s *Supervisor) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if s.probe != nil && !s.probe.Online(ctx) {
		return fmt.Errorf("%s: %w", name, ErrOffline)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	first := time.NewTimer(s.cfg.FirstNoticeAt)
	defer first.Stop()
	stall := time.NewTimer(s.cfg.StallNoticeAt)
	defer stall.Stop()
	watchdog := time.NewTimer(s.cfg.Timeout)
	defer watchdog.Stop()

	for {
		select {
		case err := <-done:
			return err

		case <-first.C:
			s.notify(fmt.Sprintf("%s is taking longer than usual", name))

		case <-stall.C:
			if s.probe != nil && !s.probe.Online(ctx) {
				s.notify(fmt.Sprintf("%s stalled: the network appears to be down", name))
			} else {
				s.notify(fmt.Sprintf("still working on %s: the network is responding slowly", name))
			}

		case <-watchdog.C:
			cancel()
			s.log.Error("Watchdog expired, forcing reset", "operation", name, "timeout", s.cfg.Timeout)
			if s.reset != nil {
				resetCtx, resetCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				s.reset(resetCtx)
				resetCancel()
			}
			return fmt.Errorf("%s did not finish within %s: %w", name, s.cfg.Timeout, ErrWatchdog)
		}
	}
}

func (s *Supervisor) notify(message string) {
	s.log.Warn(message)
	if s.onNotice != nil {
		s.onNotice(message)
	}
}
