// Package police is the device's heartbeat watchdog (spec §4.5 "Police
// starts a timer when heartbeats begin failing; if no successful
// heartbeat for ≈5 minutes it triggers a node reboot"). Grounded on the
// teacher's internal/agent/device/lifecycle watchdog (timer reset on
// success, forced action on expiry), generalized from the teacher's
// rollback-on-failed-update trigger to a plain reboot, via pkg/executer
// as the rest of the agent shells out.
package police

import (
	"context"
	"time"

	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/edgefleet/edgefleet/pkg/executer"
)

// Timeout is how long the device tolerates consecutive heartbeat failures
// before rebooting (spec §4.5 "≈5 minutes").
const Timeout = 5 * time.Minute

// pollInterval is how often Watch checks whether Timeout has elapsed
// since the last reported success.
const pollInterval = 10 * time.Second

// Watchdog tracks heartbeat health and reboots the node if it lapses.
type Watchdog struct {
	exec executer.Executer
	log  *fclog.PrefixLogger

	lastSuccess chan time.Time
}

// New builds a Watchdog.
func New(exec executer.Executer, log *fclog.PrefixLogger) *Watchdog {
	return &Watchdog{exec: exec, log: log, lastSuccess: make(chan time.Time, 1)}
}

// ReportSuccess records a successful heartbeat, resetting the watchdog's
// timer. Call this from Postman after every heartbeat that completes
// without error.
func (w *Watchdog) ReportSuccess() {
	select {
	case w.lastSuccess <- time.Now():
	default:
		// drain the stale value and retry so the channel always holds
		// the most recent success.
		select {
		case <-w.lastSuccess:
		default:
		}
		w.lastSuccess <- time.Now()
	}
}

// Run drives the watchdog until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	last := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-w.lastSuccess:
			last = t
		case <-ticker.C:
			if time.Since(last) > Timeout {
				w.log.WithField("since_last_success", time.Since(last)).Warn("police: no successful heartbeat within timeout, rebooting")
				w.reboot(ctx)
				last = time.Now() // avoid tight reboot loop before the reboot actually lands
			}
		}
	}
}

func (w *Watchdog) reboot(ctx context.Context) {
	if _, stderr, code := w.exec.ExecuteWithContext(ctx, "systemctl", "reboot"); code != 0 {
		w.log.WithField("exit_code", code).WithField("stderr", stderr).Warn("police: reboot command failed")
	}
}
