package store

import (
	"context"
	"errors"

	"github.com/edgefleet/edgefleet/internal/store/model"
	"gorm.io/gorm"
)

// DeploymentRepository persists deployments and their canary device sets
// (spec §3 "Deployment", §4.7).
type DeploymentRepository interface {
	Create(ctx context.Context, releaseID int64) (*model.Deployment, error)
	GetByID(ctx context.Context, id int64) (*model.Deployment, error)
	AddCanaryDevices(ctx context.Context, deploymentID int64, deviceIDs []int64) error
	CanaryDeviceIDs(ctx context.Context, deploymentID int64) ([]int64, error)
	SetStatus(ctx context.Context, deploymentID int64, status model.DeploymentStatus) error

	// ListInProgress returns every deployment not yet done or canceled,
	// the working set the periodic recheck loop polls (spec §4.7
	// Observe).
	ListInProgress(ctx context.Context) ([]model.Deployment, error)
}

type deploymentRepo struct{ db *gorm.DB }

func (r *deploymentRepo) Create(ctx context.Context, releaseID int64) (*model.Deployment, error) {
	d := model.Deployment{ReleaseID: releaseID, Status: model.DeploymentInProgress}
	if err := r.db.WithContext(ctx).Create(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *deploymentRepo) GetByID(ctx context.Context, id int64) (*model.Deployment, error) {
	var d model.Deployment
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *deploymentRepo) AddCanaryDevices(ctx context.Context, deploymentID int64, deviceIDs []int64) error {
	rows := make([]model.DeploymentDevice, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		rows = append(rows, model.DeploymentDevice{DeploymentID: deploymentID, DeviceID: id})
	}
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *deploymentRepo) CanaryDeviceIDs(ctx context.Context, deploymentID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.DeploymentDevice{}).
		Where("deployment_id = ?", deploymentID).
		Pluck("device_id", &ids).Error
	return ids, err
}

func (r *deploymentRepo) ListInProgress(ctx context.Context) ([]model.Deployment, error) {
	var deployments []model.Deployment
	err := r.db.WithContext(ctx).Where("status = ?", model.DeploymentInProgress).Find(&deployments).Error
	return deployments, err
}

func (r *deploymentRepo) SetStatus(ctx context.Context, deploymentID int64, status model.DeploymentStatus) error {
	return r.db.WithContext(ctx).Model(&model.Deployment{}).
		Where("id = ?", deploymentID).
		Update("status", status).Error
}
