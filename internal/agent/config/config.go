// Package config owns the device's on-disk manifest and serves it to the
// rest of the agent through request/reply snapshots, matching spec §4.5's
// "Configuration owns the on-disk manifest and serves snapshots via
// request/reply". Grounded on the teacher's internal/agent/config
// (YAML-backed struct, readWriter indirection) generalized to the
// {serial, token?, server_url, packages, release_id?, target_release_id?}
// shape spec §6 names, with mohae/deepcopy standing in for the teacher's
// manual snapshot cloning so readers never observe a partially-written
// manifest.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/mohae/deepcopy"
	"sigs.k8s.io/yaml"
)

// DefaultConfigFile mirrors the teacher's DefaultConfigFile convention.
const DefaultConfigFile = "/etc/fleet-agent/config.yaml"

// Package describes one entry of the on-disk manifest's package list
// (spec §4.6 "The manifest lists {name, version, file} per package").
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	File    string `json:"file"`
}

// Manifest is the device's full on-disk state (spec §6 "Device-side
// on-disk state").
type Manifest struct {
	Serial          string    `json:"serial"`
	Token           string    `json:"token,omitempty"`
	ServerURL       string    `json:"server_url"`
	Packages        []Package         `json:"packages,omitempty"`
	ReleaseID       *int64            `json:"release_id,omitempty"`
	TargetReleaseID *int64            `json:"target_release_id,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
}

// Store is the Configuration actor: it owns the single in-memory copy of
// the manifest and the path it's persisted to, serializing every mutation
// behind a mutex so writes never race (spec §5 "On-disk config manifest
// is mutated only by the Configuration actor").
type Store struct {
	path string

	mu       sync.Mutex
	manifest Manifest
}

// Load reads path (creating nothing if missing — the caller decides
// whether a missing manifest means "needs to register").
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("agent config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.manifest); err != nil {
		return nil, fmt.Errorf("agent config: parsing %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns a deep copy of the current manifest: readers never
// observe a manifest some other goroutine is mid-mutation on, and never
// alias the Store's own slices/maps (spec §4.5 "serves snapshots").
func (s *Store) Snapshot() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepcopy.Copy(s.manifest).(Manifest)
}

// Update applies fn to a private copy of the manifest and persists the
// result atomically (write-to-temp-then-rename), only swapping the
// in-memory copy in on success.
func (s *Store) Update(fn func(m *Manifest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := deepcopy.Copy(s.manifest).(Manifest)
	fn(&next)

	data, err := yaml.Marshal(next)
	if err != nil {
		return fmt.Errorf("agent config: marshaling manifest: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("agent config: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("agent config: renaming %s: %w", tmp, err)
	}

	s.manifest = next
	return nil
}

// ClearToken drops the stored token, forcing the next heartbeat cycle to
// re-register (spec §4.1 "never ships a registration again unless the
// token is cleared (server revoke, disk wipe, or heartbeat 401)").
func (s *Store) ClearToken() error {
	return s.Update(func(m *Manifest) { m.Token = "" })
}
