// Package postman runs the agent's heartbeat loop (spec §4.2, §4.5
// "Postman runs the heartbeat loop on a jittered ~20s ticker: asks
// Commander for accumulated responses, posts, hands received commands
// back to Commander, clears the token and forces re-register on 401").
// Grounded on the teacher's internal/agent/device/heartbeat (ticker loop,
// status reporting) generalized to this system's simpler request/response
// envelope, with lthibault/jitterbug standing in for the teacher's
// wait.JitterUntil as named in SPEC_FULL.md's domain stack.
package postman

import (
	"context"
	"strings"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/agent/client"
	"github.com/edgefleet/edgefleet/internal/agent/commander"
	"github.com/edgefleet/edgefleet/internal/agent/config"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/edgefleet/edgefleet/pkg/executer"
	"github.com/lthibault/jitterbug"
)

// TrackedServices are the systemd units this device reports liveness for on
// every heartbeat (spec §4.2 step 4's service_statuses field). Grounded on
// `_examples/original_source/smithd/src/utils/systemd.rs`'s
// `systemctl is-active <name>` check, pared down to this port's two-field
// {name, active} wire shape (the original's uptime/watchdog healthiness
// math is out of scope — spec.md never asks for it).
var TrackedServices = []string{"fleet-agent.service", "fleet-updater.service"}

// Interval is the nominal heartbeat period (spec §4.2 "~20s").
const Interval = 20 * time.Second

// Jitter is the standard deviation of the normally-distributed offset
// applied to Interval so fleets of devices don't all heartbeat in lockstep
// (spec §4.5).
const Jitter = 3 * time.Second

// Dispatcher hands a command received on a heartbeat response back to the
// rest of the agent for execution (normally commander.Commander.QueueCommand).
type Dispatcher func(id int64, bundle string, cmd v1.SafeCommandTx, continueOnError bool)

// Postman owns the heartbeat loop.
type Postman struct {
	client     *client.Client
	cfg        *config.Store
	results    *commander.Commander
	dispatch   Dispatcher
	exec       executer.Executer
	log        *fclog.PrefixLogger
	onNewToken func(token string)

	// OnHeartbeatSuccess, if set, is invoked after every heartbeat that
	// completes without error — Police's reset signal (spec §4.5).
	OnHeartbeatSuccess func()
}

// New builds a Postman. onNewToken is invoked whenever a heartbeat or
// registration mints a fresh token, so the caller can rebuild its Client.
// exec runs the `systemctl is-active` checks behind every heartbeat's
// service_statuses field.
func New(c *client.Client, cfg *config.Store, results *commander.Commander, dispatch Dispatcher, exec executer.Executer, log *fclog.PrefixLogger, onNewToken func(token string)) *Postman {
	return &Postman{client: c, cfg: cfg, results: results, dispatch: dispatch, exec: exec, log: log, onNewToken: onNewToken}
}

// Run drives the heartbeat loop until ctx is canceled. It registers first
// if the on-disk manifest has no token yet.
func (p *Postman) Run(ctx context.Context) error {
	if p.cfg.Snapshot().Token == "" {
		if err := p.register(ctx); err != nil {
			p.log.WithError(err).Warn("postman: initial registration failed, will retry on next tick")
		}
	}

	ticker := jitterbug.New(Interval, &jitterbug.Norm{Stdev: Jitter, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Postman) register(ctx context.Context) error {
	snap := p.cfg.Snapshot()
	token, err := p.client.Register(ctx, snap.Serial, "")
	if err != nil {
		return err
	}
	if err := p.cfg.Update(func(m *config.Manifest) { m.Token = token }); err != nil {
		return err
	}
	p.client = p.client.WithToken(token)
	p.onNewToken(token)
	return nil
}

func (p *Postman) beat(ctx context.Context) {
	if p.cfg.Snapshot().Token == "" {
		if err := p.register(ctx); err != nil {
			p.log.WithError(err).Warn("postman: registration failed, will retry on next tick")
			return
		}
	}

	results := p.results.GetResults()
	responses := make([]v1.SafeCommandResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, v1.SafeCommandResponse{ID: r.ID, Response: r.Response, Status: r.Status})
	}

	req := v1.HeartbeatRequest{
		Timestamp:       time.Now(),
		Responses:       responses,
		ReleaseID:       p.cfg.Snapshot().ReleaseID,
		ServiceStatuses: p.serviceStatuses(ctx),
	}

	resp, err := p.client.Heartbeat(ctx, req)
	if err != nil {
		if err == client.ErrUnauthorized {
			p.log.Warn("postman: server rejected token, clearing and re-registering at next tick")
			if clearErr := p.cfg.ClearToken(); clearErr != nil {
				p.log.WithError(clearErr).Warn("postman: clearing token")
			}
			return
		}
		p.log.WithError(err).Warn("postman: heartbeat failed")
		return
	}

	for _, envelope := range resp.Commands {
		p.dispatch(envelope.ID, envelope.Bundle, envelope.Cmd, envelope.ContinueOnError)
	}

	if resp.TargetReleaseID != nil {
		if err := p.cfg.Update(func(m *config.Manifest) { m.TargetReleaseID = resp.TargetReleaseID }); err != nil {
			p.log.WithError(err).Warn("postman: persisting target_release_id")
		}
	}

	if p.OnHeartbeatSuccess != nil {
		p.OnHeartbeatSuccess()
	}
}

// serviceStatuses runs `systemctl is-active` against every tracked unit,
// treating an exec failure (systemctl missing, unit unknown) as inactive
// rather than aborting the heartbeat over a diagnostic field.
func (p *Postman) serviceStatuses(ctx context.Context) []v1.ServiceStatus {
	statuses := make([]v1.ServiceStatus, 0, len(TrackedServices))
	for _, name := range TrackedServices {
		stdout, _, code := p.exec.ExecuteWithContext(ctx, "systemctl", "is-active", name)
		statuses = append(statuses, v1.ServiceStatus{Name: name, Active: code == 0 && strings.TrimSpace(stdout) == "active"})
	}
	return statuses
}
