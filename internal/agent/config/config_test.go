package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Manifest{}, s.Snapshot())
}

func TestStore_UpdatePersistsAndSnapshotIsIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := Load(path)
	require.NoError(t, err)

	err = s.Update(func(m *Manifest) {
		m.Serial = "SN-A"
		m.Packages = []Package{{Name: "foo", Version: "1.0", File: "foo.deb"}}
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Packages[0].Version = "mutated"

	require.Equal(t, "1.0", s.Snapshot().Packages[0].Version, "mutating a snapshot must not affect the store's live state")

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "SN-A", reloaded.Snapshot().Serial)
}

func TestStore_ClearToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(m *Manifest) { m.Token = "secret" }))
	require.NoError(t, s.ClearToken())
	require.Empty(t, s.Snapshot().Token)
}
