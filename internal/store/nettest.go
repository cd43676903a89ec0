package store

import (
	"context"
	"errors"
	"time"

	"github.com/edgefleet/edgefleet/internal/store/model"
	"gorm.io/gorm"
)

// NetworkTestRepository persists extended network test sessions (spec §3,
// §4.8).
type NetworkTestRepository interface {
	Create(ctx context.Context, labelFilter map[string]string, durationMinutes, deviceCount int, bundle string) (*model.NetworkTestSession, error)
	GetByID(ctx context.Context, id int64) (*model.NetworkTestSession, error)

	// ActiveExists reports whether a session created within `window` of
	// now still has an unresponded, uncanceled command in its bundle
	// (spec §4.8, §4.11 "Extended-test duplicate starts").
	ActiveExists(ctx context.Context, window time.Duration, commands CommandRepository) (bool, error)
}

type networkTestRepo struct{ db *gorm.DB }

func (r *networkTestRepo) Create(ctx context.Context, labelFilter map[string]string, durationMinutes, deviceCount int, bundle string) (*model.NetworkTestSession, error) {
	s := model.NetworkTestSession{
		LabelFilter:     model.StringMap(labelFilter),
		DurationMinutes: durationMinutes,
		DeviceCount:     deviceCount,
		Bundle:          bundle,
	}
	if err := r.db.WithContext(ctx).Create(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *networkTestRepo) GetByID(ctx context.Context, id int64) (*model.NetworkTestSession, error) {
	var s model.NetworkTestSession
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *networkTestRepo) ActiveExists(ctx context.Context, window time.Duration, commands CommandRepository) (bool, error) {
	cutoff := time.Now().Add(-window)
	var sessions []model.NetworkTestSession
	if err := r.db.WithContext(ctx).Where("created_at >= ?", cutoff).Find(&sessions).Error; err != nil {
		return false, err
	}
	for _, s := range sessions {
		responded, canceled, _, err := commands.CountBundleStatus(ctx, s.Bundle)
		if err != nil {
			return false, err
		}
		if responded+canceled < s.DeviceCount {
			return true, nil
		}
	}
	return false, nil
}
