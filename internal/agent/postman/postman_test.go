package postman

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/agent/client"
	"github.com/edgefleet/edgefleet/internal/agent/commander"
	"github.com/edgefleet/edgefleet/internal/agent/config"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/stretchr/testify/require"
)

type fakeExec struct{ active map[string]bool }

func (f *fakeExec) ExecuteWithContext(_ context.Context, name string, args ...string) (string, string, int) {
	if name != "systemctl" || len(args) != 2 || args[0] != "is-active" {
		return "", "", 1
	}
	if f.active[args[1]] {
		return "active\n", "", 0
	}
	return "inactive\n", "", 3
}

func TestPostman_RegisterThenBeat(t *testing.T) {
	var registered bool
	var lastHeartbeat v1.HeartbeatRequest
	target := int64(7)
	release := int64(42)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/smith/register":
			registered = true
			json.NewEncoder(w).Encode(v1.RegisterResponse{Token: "tok-1"})
		case "/smith/home":
			json.NewDecoder(r.Body).Decode(&lastHeartbeat)
			json.NewEncoder(w).Encode(v1.HeartbeatResponse{
				Commands:        []v1.CommandEnvelope{{ID: 99, Cmd: v1.SafeCommandTx{Ping: &v1.PingTx{}}}},
				TargetReleaseID: &target,
			})
		}
	}))
	defer srv.Close()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Update(func(m *config.Manifest) {
		m.Serial = "SN-A"
		m.ServerURL = srv.URL
		m.ReleaseID = &release
	}))

	c := client.New(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmdr := commander.New(ctx, fclog.NewPrefixLogger("test"), func(_ context.Context, id int64, _ string, cmd v1.SafeCommandTx) (v1.SafeCommandRx, int) {
		return v1.SafeCommandRx{Pong: &v1.PongRx{}}, 0
	})

	exec := &fakeExec{active: map[string]bool{TrackedServices[0]: true}}

	var dispatched []int64
	p := New(c, cfg, cmdr, func(id int64, _ string, _ v1.SafeCommandTx, _ bool) {
		dispatched = append(dispatched, id)
	}, exec, fclog.NewPrefixLogger("test"), func(token string) {
		require.Equal(t, "tok-1", token)
	})

	require.NoError(t, p.register(ctx))
	require.True(t, registered)
	require.Equal(t, "tok-1", cfg.Snapshot().Token)

	p.beat(ctx)
	require.Equal(t, []int64{99}, dispatched)
	require.Equal(t, int64(7), *cfg.Snapshot().TargetReleaseID)

	require.Equal(t, int64(42), *lastHeartbeat.ReleaseID)
	require.Len(t, lastHeartbeat.ServiceStatuses, len(TrackedServices))
	require.True(t, lastHeartbeat.ServiceStatuses[0].Active)
	require.False(t, lastHeartbeat.ServiceStatuses[1].Active)
}
