// Package deployment implements the canary-then-full rollout state machine
// of spec §4.7: Create selects up to 10 candidate canaries and targets
// them at a release; Observe (CheckDone) reports whether every canary has
// landed; Confirm re-verifies and then targets every device on the
// distribution. Grounded on the teacher's transactional read-then-check-
// then-write convention (internal/api_server/server.go's use of
// store.RunInTransaction, mirrored from internal/store's repository
// pattern).
package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgefleet/edgefleet/internal/store"
	"github.com/edgefleet/edgefleet/internal/store/model"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// MaxCanaries is the canary set size cap from spec §4.7 step 1.
const MaxCanaries = 10

// OnlineWindow bounds how recently a canary candidate must have pinged
// (spec §4.7 step 1 "online in the last 5 minutes").
const OnlineWindow = 5 * time.Minute

var (
	// ErrReleaseNotDeployable is returned when the target release is
	// draft or yanked (spec §3 invariant, §8 scenario 4).
	ErrReleaseNotDeployable = errors.New("deployment: release is draft or yanked")
	// ErrCanariesNotDone is returned by Confirm when a fresh check still
	// finds a mismatched canary (spec §4.7 step 3).
	ErrCanariesNotDone = errors.New("deployment: canaries have not all reached the target release")
)

// Engine drives the rollout state machine against the store.
type Engine struct {
	store store.Store
	log   logrus.FieldLogger
}

func New(st store.Store, log logrus.FieldLogger) *Engine {
	return &Engine{store: st, log: log}
}

// Create starts a rollout of releaseID: inside one transaction, it inserts
// the deployment row, selects up to MaxCanaries stable devices on the
// release's distribution that were recently online (ordered by
// network_score desc, last_ping desc), records them as canaries, and
// targets them at releaseID (spec §4.7 step 1).
func (e *Engine) Create(ctx context.Context, releaseID int64) (*model.Deployment, error) {
	var created *model.Deployment

	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		release, err := tx.Release().GetByID(ctx, releaseID)
		if err != nil {
			return fmt.Errorf("deployment: loading release %d: %w", releaseID, err)
		}
		if !release.Deployable() {
			return ErrReleaseNotDeployable
		}

		d, err := tx.Deployment().Create(ctx, releaseID)
		if err != nil {
			return fmt.Errorf("deployment: creating row: %w", err)
		}

		candidates, err := tx.Device().CandidatesForCanary(ctx, release.DistributionID, time.Now().Add(-OnlineWindow), MaxCanaries)
		if err != nil {
			return fmt.Errorf("deployment: selecting canaries: %w", err)
		}

		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}

		if err := tx.Deployment().AddCanaryDevices(ctx, d.ID, ids); err != nil {
			return fmt.Errorf("deployment: recording canaries: %w", err)
		}
		if err := tx.Device().SetTargetReleaseIDs(ctx, ids, releaseID); err != nil {
			return fmt.Errorf("deployment: targeting canaries: %w", err)
		}

		created = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CheckDone reports the deployment's canary progress without mutating
// anything: (remaining mismatched canaries, error). A done deployment
// always reports zero remaining (idempotence, spec §4.7 "Idempotence").
func (e *Engine) CheckDone(ctx context.Context, deploymentID int64) (remaining int, err error) {
	d, err := e.store.Deployment().GetByID(ctx, deploymentID)
	if err != nil {
		return 0, err
	}
	if d.Status == model.DeploymentDone {
		return 0, nil
	}

	ids, err := e.store.Deployment().CanaryDeviceIDs(ctx, deploymentID)
	if err != nil {
		return 0, err
	}
	return e.store.Device().CountMismatched(ctx, ids)
}

// ConfirmFullRollout re-verifies, under a fresh transaction, that zero
// canaries remain mismatched, then targets every non-archived device on
// the release's distribution at the release and marks the deployment done
// (spec §4.7 step 3). Calling it again on a done deployment is a no-op
// (spec §4.7, §8 round-trip property).
func (e *Engine) ConfirmFullRollout(ctx context.Context, deploymentID int64) error {
	return e.store.RunInTransaction(ctx, func(tx store.Store) error {
		d, err := tx.Deployment().GetByID(ctx, deploymentID)
		if err != nil {
			return err
		}
		if d.Status == model.DeploymentDone {
			return nil
		}

		ids, err := tx.Deployment().CanaryDeviceIDs(ctx, deploymentID)
		if err != nil {
			return err
		}
		mismatched, err := tx.Device().CountMismatched(ctx, ids)
		if err != nil {
			return err
		}
		if mismatched > 0 {
			return ErrCanariesNotDone
		}

		release, err := tx.Release().GetByID(ctx, d.ReleaseID)
		if err != nil {
			return err
		}

		if err := tx.Device().SetTargetReleaseIDForDistribution(ctx, release.DistributionID, release.ID); err != nil {
			return err
		}
		return tx.Deployment().SetStatus(ctx, deploymentID, model.DeploymentDone)
	})
}

// Cancel transitions the deployment to canceled. It does not revert any
// device's target_release_id (spec §4.7 "Canceling ... does not
// auto-revert devices").
func (e *Engine) Cancel(ctx context.Context, deploymentID int64) error {
	d, err := e.store.Deployment().GetByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Status == model.DeploymentDone || d.Status == model.DeploymentCanceled {
		return nil
	}
	return e.store.Deployment().SetStatus(ctx, deploymentID, model.DeploymentCanceled)
}

// StartRecheckLoop runs CheckDone against every in-progress deployment on
// a fixed interval, logging each in-progress deployment whose canaries have
// all landed (and any check errors) so an operator watching the logs can
// decide when to call ConfirmFullRollout — the server has no notion of "eligible for
// confirmation" beyond "remaining == 0" (spec §4.7 step 2 "a human must
// confirm"). Grounded on the teacher's control-loop convention (Updater's
// 60s loop, §4.5) using robfig/cron/v3 per this system's domain stack.
func (e *Engine) StartRecheckLoop(ctx context.Context, interval time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		e.recheckInProgress(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("deployment: scheduling recheck loop: %w", err)
	}
	c.Start()
	return c, nil
}

func (e *Engine) recheckInProgress(ctx context.Context) {
	deployments, err := e.store.Deployment().ListInProgress(ctx)
	if err != nil {
		e.log.WithError(err).Error("deployment recheck: listing in-progress deployments")
		return
	}
	for _, d := range deployments {
		remaining, err := e.CheckDone(ctx, d.ID)
		if err != nil {
			e.log.WithError(err).WithField("deployment_id", d.ID).Warn("deployment recheck: check-done failed")
			continue
		}
		if remaining == 0 {
			e.log.WithField("deployment_id", d.ID).Info("deployment recheck: all canaries landed, eligible for confirmation")
		}
	}
}
