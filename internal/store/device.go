package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/store/model"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("store: not found")
var ErrConflict = errors.New("store: conflict")
var ErrForbidden = errors.New("store: forbidden")

// DeviceRepository persists and queries Device rows.
type DeviceRepository interface {
	// GetOrCreateBySerial inserts a new, unapproved device row if the
	// serial isn't known, idempotent on serial_number (spec §4.1).
	GetOrCreateBySerial(ctx context.Context, serial, wifiMAC string) (*model.Device, bool, error)
	GetBySerial(ctx context.Context, serial string) (*model.Device, error)
	GetByID(ctx context.Context, id int64) (*model.Device, error)
	GetByToken(ctx context.Context, token string) (*model.Device, error)

	// SetToken sets device.token only if it is currently NULL, returning
	// ErrConflict otherwise (spec §4.1, §4.11 "Parallel approval").
	SetToken(ctx context.Context, deviceID int64, token string) error

	// Approve sets device.approved = true (spec §3 "token set on first
	// approval"). The operator-facing surface that calls this is out of
	// scope per spec §1; this is the plumbing it will sit behind.
	Approve(ctx context.Context, deviceID int64) error

	UpdateLastPingAndIP(ctx context.Context, deviceID int64, ipAddressID *int64) error
	UpdateReleaseID(ctx context.Context, deviceID int64, releaseID int64) error
	UpdateVariables(ctx context.Context, deviceID int64, vars map[string]string) error

	// UpdateSystemInfo persists a device-reported UpdateSystemInfo payload
	// against the device row itself, mirroring the original's
	// device.system_info column rather than a separate table
	// (spec.md §9 Open Question).
	UpdateSystemInfo(ctx context.Context, deviceID int64, info v1.SystemInfo) error

	// CandidatesForCanary lists non-archived devices on the given distribution,
	// stable (release_id = target_release_id), pinged since `since`,
	// ordered by network_score desc, last_ping desc, limited to limit
	// rows. Used by deployment canary selection (spec §4.7 step 1).
	CandidatesForCanary(ctx context.Context, distributionID int64, since time.Time, limit int) ([]model.Device, error)

	// SetTargetReleaseIDs sets target_release_id for every given device.
	SetTargetReleaseIDs(ctx context.Context, deviceIDs []int64, targetReleaseID int64) error

	// CountMismatched reports how many of the given devices still have
	// release_id != target_release_id.
	CountMismatched(ctx context.Context, deviceIDs []int64) (int, error)

	// SetTargetReleaseIDForDistribution sets target_release_id on every
	// non-archived device whose current release is on distributionID
	// (spec §4.7 step 3, full rollout).
	SetTargetReleaseIDForDistribution(ctx context.Context, distributionID int64, targetReleaseID int64) error

	// RecordReleaseUpgrade updates release_id and writes an audit row
	// (spec §4.2 step 4).
	RecordReleaseUpgrade(ctx context.Context, deviceID int64, from *int64, to int64) error

	// FindByLabels returns every non-archived device whose labels are a
	// superset of filter (exact key/value match on each entry), the
	// device set an extended-test session or a targeted command bundle is
	// built against (supplemented from original_source's device-label
	// filter, kept distinct from canary selection per the REDESIGN FLAG
	// that canary_device_labels must not gate rollout eligibility).
	FindByLabels(ctx context.Context, filter map[string]string) ([]model.Device, error)
}

type deviceRepo struct{ db *gorm.DB }

func (r *deviceRepo) GetOrCreateBySerial(ctx context.Context, serial, wifiMAC string) (*model.Device, bool, error) {
	var d model.Device
	err := r.db.WithContext(ctx).Where("serial_number = ?", serial).First(&d).Error
	if err == nil {
		return &d, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	d = model.Device{SerialNumber: serial, WifiMAC: wifiMAC, Approved: false}
	if err := r.db.WithContext(ctx).Create(&d).Error; err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

func (r *deviceRepo) GetBySerial(ctx context.Context, serial string) (*model.Device, error) {
	var d model.Device
	if err := r.db.WithContext(ctx).Where("serial_number = ?", serial).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *deviceRepo) GetByID(ctx context.Context, id int64) (*model.Device, error) {
	var d model.Device
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *deviceRepo) GetByToken(ctx context.Context, token string) (*model.Device, error) {
	var d model.Device
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *deviceRepo) SetToken(ctx context.Context, deviceID int64, token string) error {
	res := r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("id = ? AND token IS NULL", deviceID).
		Update("token", token)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *deviceRepo) Approve(ctx context.Context, deviceID int64) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", deviceID).Update("approved", true).Error
}

func (r *deviceRepo) UpdateLastPingAndIP(ctx context.Context, deviceID int64, ipAddressID *int64) error {
	updates := map[string]any{"last_ping": time.Now().UTC()}
	if ipAddressID != nil {
		updates["ip_address_id"] = *ipAddressID
	}
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", deviceID).Updates(updates).Error
}

func (r *deviceRepo) UpdateReleaseID(ctx context.Context, deviceID int64, releaseID int64) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", deviceID).Update("release_id", releaseID).Error
}

func (r *deviceRepo) UpdateVariables(ctx context.Context, deviceID int64, vars map[string]string) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", deviceID).Update("variables", model.StringMap(vars)).Error
}

func (r *deviceRepo) UpdateSystemInfo(ctx context.Context, deviceID int64, info v1.SystemInfo) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", deviceID).Update("system_info", &info).Error
}

func (r *deviceRepo) RecordReleaseUpgrade(ctx context.Context, deviceID int64, from *int64, to int64) error {
	if err := r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", deviceID).Update("release_id", to).Error; err != nil {
		return err
	}
	row := model.DeviceReleaseUpgrade{DeviceID: deviceID, FromReleaseID: from, ToReleaseID: to, CreatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *deviceRepo) CandidatesForCanary(ctx context.Context, distributionID int64, since time.Time, limit int) ([]model.Device, error) {
	var devices []model.Device
	err := r.db.WithContext(ctx).
		Joins("JOIN releases ON releases.id = devices.release_id").
		Where("releases.distribution_id = ?", distributionID).
		Where("devices.archived = ?", false).
		Where("devices.last_ping >= ?", since).
		Where("devices.release_id = devices.target_release_id").
		Order("devices.network_score DESC, devices.last_ping DESC").
		Limit(limit).
		Find(&devices).Error
	return devices, err
}

func (r *deviceRepo) SetTargetReleaseIDs(ctx context.Context, deviceIDs []int64, targetReleaseID int64) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Device{}).
		Where("id IN ?", deviceIDs).
		Update("target_release_id", targetReleaseID).Error
}

func (r *deviceRepo) CountMismatched(ctx context.Context, deviceIDs []int64) (int, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Device{}).
		Where("id IN ?", deviceIDs).
		Where("release_id IS DISTINCT FROM target_release_id").
		Count(&count).Error
	return int(count), err
}

func (r *deviceRepo) SetTargetReleaseIDForDistribution(ctx context.Context, distributionID int64, targetReleaseID int64) error {
	return r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("archived = ?", false).
		Where("release_id IN (SELECT id FROM releases WHERE distribution_id = ?)", distributionID).
		Update("target_release_id", targetReleaseID).Error
}

func (r *deviceRepo) FindByLabels(ctx context.Context, filter map[string]string) ([]model.Device, error) {
	q := r.db.WithContext(ctx).Where("archived = ?", false)
	for k, v := range filter {
		q = q.Where("labels ->> ? = ?", k, v)
	}
	var devices []model.Device
	err := q.Find(&devices).Error
	return devices, err
}
