package store

import (
	"context"
	"errors"

	"github.com/edgefleet/edgefleet/internal/store/model"
	"gorm.io/gorm"
)

// IPAddressRepository persists seen client IPs and their geolocation
// enrichment (supplemented from original_source/api/src/ip_address; spec
// §4.2 step 3 references the upsert but not the schema).
type IPAddressRepository interface {
	// Upsert inserts the address if unseen, returning its id either way.
	Upsert(ctx context.Context, address string) (*model.IPAddress, bool, error)
	SetGeolocation(ctx context.Context, id int64, country, region, city *string, lat, lon *float64) error
}

type ipAddressRepo struct{ db *gorm.DB }

func (r *ipAddressRepo) Upsert(ctx context.Context, address string) (*model.IPAddress, bool, error) {
	var ip model.IPAddress
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&ip).Error
	if err == nil {
		return &ip, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	ip = model.IPAddress{Address: address}
	if err := r.db.WithContext(ctx).Create(&ip).Error; err != nil {
		return nil, false, err
	}
	return &ip, true, nil
}

func (r *ipAddressRepo) SetGeolocation(ctx context.Context, id int64, country, region, city *string, lat, lon *float64) error {
	return r.db.WithContext(ctx).Model(&model.IPAddress{}).Where("id = ?", id).Updates(map[string]any{
		"country": country, "region": region, "city": city, "latitude": lat, "longitude": lon,
	}).Error
}
