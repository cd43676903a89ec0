// Package store is the relational persistence layer: one repository per
// aggregate (devices, commands, releases, deployments, extended-test
// sessions, ip addresses), composed behind a single Store so handlers take
// one dependency. Grounded on the teacher's internal/store /
// internal/api_server/server.go convention of a Store interface exposing
// one accessor method per sub-repository (st.Organization(), st.Device(),
// ...), backed by gorm.io/gorm + the postgres driver.
package store

import (
	"context"
	"fmt"

	"github.com/edgefleet/edgefleet/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store aggregates every repository the handlers need.
type Store interface {
	Device() DeviceRepository
	Command() CommandRepository
	Release() ReleaseRepository
	Deployment() DeploymentRepository
	NetworkTest() NetworkTestRepository
	IPAddress() IPAddressRepository
	VariablePreset() VariablePresetRepository

	// RunInTransaction executes fn with a Store bound to one DB
	// transaction; all repositories obtained from the argument share
	// that transaction. Used by the heartbeat handler (spec §4.2) and
	// the deployment engine (spec §4.7) to get atomic read-then-write
	// semantics.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	Close() error
}

type gormStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// NewStore opens a postgres connection and runs AutoMigrate for every
// model. DDL is otherwise out of scope per spec §1 ("the spec describes
// required tables and invariants, not DDL").
func NewStore(dsn string, log logrus.FieldLogger) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connecting: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Distribution{},
		&model.Release{},
		&model.Package{},
		&model.ReleasePackage{},
		&model.Device{},
		&model.Command{},
		&model.CommandResponse{},
		&model.Deployment{},
		&model.DeploymentDevice{},
		&model.DeviceReleaseUpgrade{},
		&model.IPAddress{},
		&model.NetworkTestSession{},
		&model.VariablePreset{},
	); err != nil {
		return nil, fmt.Errorf("store: migrating: %w", err)
	}

	st := &gormStore{db: db, log: log}
	if err := st.VariablePreset().EnsureDefault(context.Background(), map[string]string{}); err != nil {
		return nil, fmt.Errorf("store: seeding default variable preset: %w", err)
	}
	return st, nil
}

func (s *gormStore) Device() DeviceRepository           { return &deviceRepo{db: s.db} }
func (s *gormStore) Command() CommandRepository         { return &commandRepo{db: s.db} }
func (s *gormStore) Release() ReleaseRepository         { return &releaseRepo{db: s.db} }
func (s *gormStore) Deployment() DeploymentRepository   { return &deploymentRepo{db: s.db} }
func (s *gormStore) NetworkTest() NetworkTestRepository { return &networkTestRepo{db: s.db} }
func (s *gormStore) IPAddress() IPAddressRepository     { return &ipAddressRepo{db: s.db} }
func (s *gormStore) VariablePreset() VariablePresetRepository { return &variablePresetRepo{db: s.db} }

func (s *gormStore) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx, log: s.log})
	})
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
