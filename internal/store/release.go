package store

import (
	"context"
	"errors"

	"github.com/edgefleet/edgefleet/internal/store/model"
	"gorm.io/gorm"
)

// ReleaseRepository persists releases, their packages, and distributions.
type ReleaseRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Release, error)
	Packages(ctx context.Context, releaseID int64) ([]model.Package, error)
	GetDistribution(ctx context.Context, id int64) (*model.Distribution, error)
}

type releaseRepo struct{ db *gorm.DB }

func (r *releaseRepo) GetByID(ctx context.Context, id int64) (*model.Release, error) {
	var rel model.Release
	if err := r.db.WithContext(ctx).First(&rel, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rel, nil
}

func (r *releaseRepo) Packages(ctx context.Context, releaseID int64) ([]model.Package, error) {
	var pkgs []model.Package
	err := r.db.WithContext(ctx).
		Joins("JOIN release_packages ON release_packages.package_id = packages.id").
		Where("release_packages.release_id = ?", releaseID).
		Find(&pkgs).Error
	return pkgs, err
}

func (r *releaseRepo) GetDistribution(ctx context.Context, id int64) (*model.Distribution, error) {
	var dist model.Distribution
	if err := r.db.WithContext(ctx).First(&dist, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &dist, nil
}
