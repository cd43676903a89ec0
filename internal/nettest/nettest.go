// Package nettest orchestrates the extended network test session of spec
// §4.8: it enforces the single-active-session rule, synthesises the
// per-device command bundle, derives status from the bundle's response
// state, and computes per-device per-minute sample statistics. Grounded
// on the teacher's bundle-status derivation pattern in internal/store's
// command-queue model, generalized from the teacher's device-command
// fan-out in internal/api_server for command insertion.
package nettest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/store"
	"github.com/edgefleet/edgefleet/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MinDuration and MaxDuration bound duration_minutes (spec §4.8, §8 "2 ->
// 400, 3 accepted, 8 accepted, 9 -> 400").
const (
	MinDuration = 3
	MaxDuration = 8
)

// ActiveWindow is the "created in the last 10 minutes" guard of spec §4.11.
const ActiveWindow = 10 * time.Minute

var (
	ErrInvalidDuration = errors.New("nettest: duration_minutes out of range [3,8]")
	ErrSessionActive   = errors.New("nettest: an extended test session is already active")
	ErrNoDevices       = errors.New("nettest: label filter matched no devices")
)

// Status is the derived overall status of a session (spec §4.8).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

type Orchestrator struct {
	store store.Store
	log   logrus.FieldLogger
}

func New(st store.Store, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{store: st, log: log}
}

// Start creates a session against every non-archived device matching
// labelFilter, guarded against a concurrently active session (spec §4.11
// "Extended-test duplicate starts").
func (o *Orchestrator) Start(ctx context.Context, labelFilter map[string]string, durationMinutes int) (*model.NetworkTestSession, error) {
	if durationMinutes < MinDuration || durationMinutes > MaxDuration {
		return nil, ErrInvalidDuration
	}

	var created *model.NetworkTestSession
	err := o.store.RunInTransaction(ctx, func(tx store.Store) error {
		active, err := tx.NetworkTest().ActiveExists(ctx, ActiveWindow, tx.Command())
		if err != nil {
			return fmt.Errorf("nettest: checking active session: %w", err)
		}
		if active {
			return ErrSessionActive
		}

		devices, err := tx.Device().FindByLabels(ctx, labelFilter)
		if err != nil {
			return fmt.Errorf("nettest: selecting devices: %w", err)
		}
		if len(devices) == 0 {
			return ErrNoDevices
		}

		bundle := uuid.NewString()
		session, err := tx.NetworkTest().Create(ctx, labelFilter, durationMinutes, len(devices), bundle)
		if err != nil {
			return fmt.Errorf("nettest: creating session: %w", err)
		}

		cmd := v1.SafeCommandTx{ExtendedNetworkTest: &v1.ExtendedNetworkTestTx{DurationMinutes: durationMinutes}}
		for _, d := range devices {
			if _, err := tx.Command().Insert(ctx, d.ID, bundle, cmd, false); err != nil {
				return fmt.Errorf("nettest: queuing device %d: %w", d.ID, err)
			}
		}

		created = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Status loads a session, derives its overall status from its command
// bundle, and — once at least one response has arrived — computes
// per-device per-minute statistics (spec §4.8).
func (o *Orchestrator) Status(ctx context.Context, sessionID int64) (*v1.ExtendedTestStatusResponse, error) {
	session, err := o.store.NetworkTest().GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	responded, canceled, fetched, err := o.store.Command().CountBundleStatus(ctx, session.Bundle)
	if err != nil {
		return nil, err
	}

	resp := &v1.ExtendedTestStatusResponse{
		ID:          session.ID,
		DeviceCount: session.DeviceCount,
		Responded:   responded,
		Canceled:    canceled,
		Status:      string(deriveStatus(session.DeviceCount, responded, canceled, fetched)),
	}

	if responded > 0 {
		responses, err := o.store.Command().ResponsesForBundle(ctx, session.Bundle)
		if err != nil {
			return nil, err
		}
		resp.Stats = computeStats(responses)
	}

	return resp, nil
}

// Cancel marks every uncanceled command in the session's bundle canceled
// (spec §6 POST /network/extended-test/{id}/cancel).
func (o *Orchestrator) Cancel(ctx context.Context, sessionID int64) error {
	session, err := o.store.NetworkTest().GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.store.Command().CancelBundle(ctx, session.Bundle)
}

// deriveStatus implements spec §4.8's five-way derivation, evaluated in
// the order the spec lists (completed/canceled require full accounting;
// partial requires at least one response; running requires any fetch).
func deriveStatus(deviceCount, responded, canceled, fetched int) Status {
	switch {
	case responded+canceled == deviceCount && canceled == 0:
		return StatusCompleted
	case responded+canceled == deviceCount && canceled > 0:
		return StatusCanceled
	case responded > 0:
		return StatusPartial
	case fetched > 0:
		return StatusRunning
	default:
		return StatusPending
	}
}

// computeStats reconstructs each device's NetworkSample stream from its
// ExtendedNetworkTestRx response and buckets samples into one-minute
// windows measured from the device's first sample's started_at (spec
// §4.8).
func computeStats(responses []model.CommandResponse) map[string][]v1.MinuteSummary {
	out := make(map[string][]v1.MinuteSummary)

	for _, r := range responses {
		if r.Response.ExtendedNetworkTest == nil {
			continue
		}
		samples := r.Response.ExtendedNetworkTest.Samples
		if len(samples) == 0 {
			continue
		}

		first, err := time.Parse(time.RFC3339, samples[0].StartedAt)
		if err != nil {
			continue
		}
		buckets := map[int][]float64{}
		for _, s := range samples {
			at, err := time.Parse(time.RFC3339, s.StartedAt)
			if err != nil {
				continue
			}
			minute := int(at.Sub(first).Minutes())
			buckets[minute] = append(buckets[minute], s.ThroughputMbps)
		}

		minutes := make([]int, 0, len(buckets))
		for m := range buckets {
			minutes = append(minutes, m)
		}
		sort.Ints(minutes)

		summaries := make([]v1.MinuteSummary, 0, len(minutes))
		for _, m := range minutes {
			summaries = append(summaries, summarize(m, buckets[m]))
		}

		key := strconv.FormatInt(r.DeviceID, 10)
		out[key] = summaries
	}

	return out
}

// summarize computes count/average/std-dev/quartiles over one minute's
// throughput samples. Quartiles use linear interpolation on the sorted
// sample set (spec §4.8).
func summarize(minute int, values []float64) v1.MinuteSummary {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(n)

	variance := 0.0
	for _, v := range sorted {
		d := v - avg
		variance += d * d
	}
	variance /= float64(n)

	return v1.MinuteSummary{
		Minute:  minute,
		Count:   n,
		Average: avg,
		StdDev:  math.Sqrt(variance),
		P25:     percentile(sorted, 0.25),
		P50:     percentile(sorted, 0.50),
		P75:     percentile(sorted, 0.75),
	}
}

// percentile does linear interpolation between the two nearest ranks of a
// pre-sorted slice, matching numpy's default ("linear") method.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
