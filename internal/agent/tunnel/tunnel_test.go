package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRemoveAuthorizedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")
	require.NoError(t, os.WriteFile(path, []byte("ssh-ed25519 AAAAexisting existing-key\n"), 0o600))

	m := New("relay.example.com:2222", path, nil, fclog.NewPrefixLogger("test"))

	keyLine := "ssh-ed25519 AAAAnew edgefleet-tunnel-abc123\n"
	require.NoError(t, m.appendAuthorizedKey(keyLine))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "existing-key")
	require.Contains(t, string(data), "edgefleet-tunnel-abc123")

	require.NoError(t, m.removeAuthorizedKey(keyLine))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "existing-key")
	require.NotContains(t, string(data), "edgefleet-tunnel-abc123")
}

func TestOpen_WithoutRelayIdentityFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")
	m := New("relay.example.com:2222", path, nil, fclog.NewPrefixLogger("test"))

	_, err := m.Open(context.Background(), 2222, "ssh-ed25519 AAAA")
	require.Error(t, err)
}
