package store

import (
	"context"
	"errors"
	"math"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/store/model"
	"gorm.io/gorm"
)

// CommandRepository persists the command queue and its responses (spec §3
// "Command", "Command response").
type CommandRepository interface {
	// Insert adds one command for one device. The caller never supplies
	// an id (user-issued commands never choose their own id); the
	// database assigns it.
	Insert(ctx context.Context, deviceID int64, bundle string, cmd v1.SafeCommandTx, continueOnError bool) (*model.Command, error)

	// InsertResponse records a reply. commandID is nil for a synthesised
	// command (spec §4.4). Idempotent: if a response already exists for
	// a non-nil commandID, the row is left untouched (spec §8 "Posting
	// the same response twice").
	InsertResponse(ctx context.Context, deviceID int64, commandID *int64, resp v1.SafeCommandRx, status int) error

	// MarkFetched marks the given command fetched=true, fetched_at=now,
	// but only if it is still deliverable; returns the ids actually
	// claimed (protects against the fetch/cancel race of spec §4.11).
	MarkFetched(ctx context.Context, ids []int64) ([]int64, error)

	// DeliverableForDevice returns every undelivered, uncanceled command
	// for a device, in ascending id (= insertion) order (spec §4.2 step
	// 5, §5 ordering guarantee).
	DeliverableForDevice(ctx context.Context, deviceID int64) ([]model.Command, error)

	// CancelBundle marks every uncanceled command in a bundle canceled=true
	// (used by extended-test cancellation, spec §6
	// POST /network/extended-test/{id}/cancel). canceled is monotonic.
	CancelBundle(ctx context.Context, bundle string) error

	// CountBundleStatus reports how many of a bundle's commands have a
	// response, are canceled, and were fetched — the primitives the
	// extended-test status derivation (spec §4.8) is computed from.
	CountBundleStatus(ctx context.Context, bundle string) (responded, canceled, fetched int, err error)

	// ResponsesForBundle returns every response recorded against a
	// bundle's commands, used by the extended-test statistics pass (spec
	// §4.8) to reconstruct each device's sample stream.
	ResponsesForBundle(ctx context.Context, bundle string) ([]model.CommandResponse, error)
}

type commandRepo struct{ db *gorm.DB }

func (r *commandRepo) Insert(ctx context.Context, deviceID int64, bundle string, cmd v1.SafeCommandTx, continueOnError bool) (*model.Command, error) {
	c := model.Command{
		DeviceID:        deviceID,
		Bundle:          bundle,
		Cmd:             cmd,
		ContinueOnError: continueOnError,
	}
	if err := r.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *commandRepo) InsertResponse(ctx context.Context, deviceID int64, commandID *int64, resp v1.SafeCommandRx, status int) error {
	if commandID != nil && *commandID == math.MinInt64 {
		return errors.New("store: command id out of range")
	}

	if commandID != nil {
		var existing model.CommandResponse
		err := r.db.WithContext(ctx).Where("command_id = ?", *commandID).First(&existing).Error
		if err == nil {
			return nil // already recorded; heartbeat retry dedup (spec §8)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}

	row := model.CommandResponse{
		CommandID: commandID,
		DeviceID:  deviceID,
		Response:  resp,
		Status:    status,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *commandRepo) MarkFetched(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	tx := r.db.WithContext(ctx).
		Model(&model.Command{}).
		Where("id IN ?", ids).
		Where("fetched = ?", false).
		Where("canceled = ?", false).
		Updates(map[string]any{"fetched": true, "fetched_at": now})
	if tx.Error != nil {
		return nil, tx.Error
	}

	var claimed []int64
	err := r.db.WithContext(ctx).
		Model(&model.Command{}).
		Where("id IN ?", ids).
		Where("fetched_at = ?", now).
		Pluck("id", &claimed).Error
	return claimed, err
}

func (r *commandRepo) DeliverableForDevice(ctx context.Context, deviceID int64) ([]model.Command, error) {
	var cmds []model.Command
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND fetched = ? AND canceled = ?", deviceID, false, false).
		Order("id ASC").
		Find(&cmds).Error
	return cmds, err
}

func (r *commandRepo) CancelBundle(ctx context.Context, bundle string) error {
	return r.db.WithContext(ctx).
		Model(&model.Command{}).
		Where("bundle = ? AND canceled = ?", bundle, false).
		Update("canceled", true).Error
}

func (r *commandRepo) CountBundleStatus(ctx context.Context, bundle string) (responded, canceled, fetched int, err error) {
	var cmds []model.Command
	if err = r.db.WithContext(ctx).Where("bundle = ?", bundle).Find(&cmds).Error; err != nil {
		return
	}
	ids := make([]int64, 0, len(cmds))
	for _, c := range cmds {
		ids = append(ids, c.ID)
		if c.Canceled {
			canceled++
		}
		if c.Fetched {
			fetched++
		}
	}
	if len(ids) == 0 {
		return
	}
	var respondedCount int64
	err = r.db.WithContext(ctx).Model(&model.CommandResponse{}).
		Where("command_id IN ?", ids).
		Count(&respondedCount).Error
	responded = int(respondedCount)
	return
}

func (r *commandRepo) ResponsesForBundle(ctx context.Context, bundle string) ([]model.CommandResponse, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).Model(&model.Command{}).
		Where("bundle = ?", bundle).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var responses []model.CommandResponse
	err := r.db.WithContext(ctx).Where("command_id IN ?", ids).Find(&responses).Error
	return responses, err
}
