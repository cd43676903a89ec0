// Package model holds the GORM row types backing the relational schema
// described in spec §3: devices, the command queue and its responses,
// releases and their package links, deployments, extended-test sessions,
// and IP address enrichment. Grounded on the teacher's internal/store
// model conventions (embedded gorm.Model-style audit columns, JSON map
// columns via a custom type, foreign keys expressed as plain int64
// columns rather than associations, so store code stays explicit about
// what it loads).
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
)

// StringMap is a map[string]string persisted as a JSON column.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("model: StringMap.Scan: unsupported type")
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, m)
}

// Device is a node in the fleet (spec §3 "Device").
type Device struct {
	ID              int64 `gorm:"primaryKey"`
	SerialNumber    string `gorm:"uniqueIndex;not null"`
	Token           *string `gorm:"uniqueIndex"`
	Approved        bool
	LastPing        *time.Time
	ReleaseID       *int64
	TargetReleaseID *int64
	Archived        bool
	Labels          StringMap `gorm:"type:jsonb"`
	Variables       StringMap `gorm:"type:jsonb"`
	IPAddressID     *int64
	NetworkScore    float64
	WifiMAC         string
	NetworkProfile  *v1.NetworkProfile `gorm:"type:jsonb;serializer:json"`
	SystemInfo      *v1.SystemInfo     `gorm:"type:jsonb;serializer:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Device) TableName() string { return "devices" }

// OutOfDate reports release_id != target_release_id, per spec §3's invariant.
func (d *Device) OutOfDate() bool {
	if d.ReleaseID == nil || d.TargetReleaseID == nil {
		return d.ReleaseID != d.TargetReleaseID
	}
	return *d.ReleaseID != *d.TargetReleaseID
}

// Command is one row in the command queue (spec §3 "Command").
type Command struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	DeviceID        int64  `gorm:"index;not null"`
	Bundle          string `gorm:"index"`
	Cmd             v1.SafeCommandTx `gorm:"type:jsonb;serializer:json"`
	ContinueOnError bool
	Canceled        bool
	Fetched         bool
	FetchedAt       *time.Time
	CreatedAt       time.Time
}

func (Command) TableName() string { return "command_queue" }

// Deliverable reports whether the command may still be claimed by a
// heartbeat: not fetched and not canceled.
func (c *Command) Deliverable() bool { return !c.Fetched && !c.Canceled }

// CommandResponse is a reply to a delivered command (spec §3 "Command
// response"). CommandID is nil for synthesised commands (negative ids),
// per spec §4.4.
type CommandResponse struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	CommandID *int64 `gorm:"uniqueIndex"`
	DeviceID  int64  `gorm:"index;not null"`
	Response  v1.SafeCommandRx `gorm:"type:jsonb;serializer:json"`
	Status    int
	CreatedAt time.Time
}

func (CommandResponse) TableName() string { return "command_response" }

// Distribution groups releases that share a package universe.
type Distribution struct {
	ID   int64 `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func (Distribution) TableName() string { return "distributions" }

// Release is an immutable, named snapshot of a package set (spec §3
// "Release").
type Release struct {
	ID             int64 `gorm:"primaryKey"`
	DistributionID int64 `gorm:"index;not null"`
	Version        string
	Draft          bool
	Yanked         bool
	CreatedAt      time.Time
	UserID         *int64
}

func (Release) TableName() string { return "releases" }

// Deployable reports whether the release may be targeted by a new
// deployment: not draft, not yanked (spec §3 invariant).
func (r *Release) Deployable() bool { return !r.Draft && !r.Yanked }

// Package is one named, versioned artifact a release can include.
type Package struct {
	ID      int64 `gorm:"primaryKey"`
	Name    string
	Version string
	File    string
}

func (Package) TableName() string { return "packages" }

// ReleasePackage links a Release to the Packages it contains.
type ReleasePackage struct {
	ReleaseID int64 `gorm:"primaryKey"`
	PackageID int64 `gorm:"primaryKey"`
}

func (ReleasePackage) TableName() string { return "release_packages" }

// DeploymentStatus is the lifecycle state of a Deployment.
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentCanceled   DeploymentStatus = "canceled"
	DeploymentDone       DeploymentStatus = "done"
)

// Deployment is a canary-then-full rollout of one release (spec §3, §4.7).
type Deployment struct {
	ID        int64 `gorm:"primaryKey"`
	ReleaseID int64 `gorm:"index;not null"`
	Status    DeploymentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Deployment) TableName() string { return "deployments" }

// DeploymentDevice is a canary device selected for a Deployment.
type DeploymentDevice struct {
	DeploymentID int64 `gorm:"primaryKey"`
	DeviceID     int64 `gorm:"primaryKey"`
}

func (DeploymentDevice) TableName() string { return "deployment_devices" }

// DeviceReleaseUpgrade is an audit row written whenever a device's
// reported release_id changes (spec §4.2 step 4).
type DeviceReleaseUpgrade struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	DeviceID     int64 `gorm:"index;not null"`
	FromReleaseID *int64
	ToReleaseID  int64
	CreatedAt    time.Time
}

func (DeviceReleaseUpgrade) TableName() string { return "device_release_upgrades" }

// IPAddress enriches a seen client IP with geolocation (supplemented from
// original_source/api/src/ip_address/route.rs; spec §4.3/§4.2 step 3
// reference the linkage but not the table shape).
type IPAddress struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	Address   string `gorm:"uniqueIndex;not null"`
	Country   *string
	Region    *string
	City      *string
	Latitude  *float64
	Longitude *float64
	CreatedAt time.Time
}

func (IPAddress) TableName() string { return "ip_addresses" }

// VariablePreset is a named set of device variables a newly registered
// device is seeded from (supplemented from original_source's
// variable_preset table, which the distilled spec.md omits; see
// api/src/device/mod.rs's registration transaction).
type VariablePreset struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Title     string    `gorm:"uniqueIndex;not null"`
	Variables StringMap `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (VariablePreset) TableName() string { return "variable_preset" }

// DefaultVariablePresetTitle is the preset every newly registered device is
// seeded from (original_source: "SELECT variables FROM variable_preset
// WHERE title = 'DEFAULT'").
const DefaultVariablePresetTitle = "DEFAULT"

// NetworkTestSession is an extended-test session row (spec §3, §4.8).
type NetworkTestSession struct {
	ID              int64 `gorm:"primaryKey;autoIncrement"`
	LabelFilter     StringMap `gorm:"type:jsonb"`
	DurationMinutes int
	DeviceCount     int
	Bundle          string `gorm:"index;not null"`
	CreatedAt       time.Time
}

func (NetworkTestSession) TableName() string { return "network_test_sessions" }
