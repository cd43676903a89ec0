package store

import (
	"context"
	"errors"

	"github.com/edgefleet/edgefleet/internal/store/model"
	"gorm.io/gorm"
)

// VariablePresetRepository persists and queries named variable presets
// (spec §4.1 registration, supplemented from original_source's
// variable_preset table).
type VariablePresetRepository interface {
	// GetByTitle returns the preset with the given title, or ErrNotFound.
	GetByTitle(ctx context.Context, title string) (*model.VariablePreset, error)

	// EnsureDefault inserts the DEFAULT preset with the given variables if
	// no row with that title exists yet, leaving an existing row
	// untouched. Called once at startup so Register always has a DEFAULT
	// preset to seed from.
	EnsureDefault(ctx context.Context, variables map[string]string) error
}

type variablePresetRepo struct{ db *gorm.DB }

func (r *variablePresetRepo) GetByTitle(ctx context.Context, title string) (*model.VariablePreset, error) {
	var p model.VariablePreset
	if err := r.db.WithContext(ctx).Where("title = ?", title).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *variablePresetRepo) EnsureDefault(ctx context.Context, variables map[string]string) error {
	preset := model.VariablePreset{Title: model.DefaultVariablePresetTitle, Variables: model.StringMap(variables)}
	return r.db.WithContext(ctx).
		Where(model.VariablePreset{Title: model.DefaultVariablePresetTitle}).
		FirstOrCreate(&preset).Error
}
