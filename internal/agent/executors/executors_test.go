package executors

import (
	"context"
	"path/filepath"
	"testing"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/agent/config"
	"github.com/edgefleet/edgefleet/internal/agent/devicelogstream"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	stdout, stderr string
	exitCode       int
	lastName       string
	lastArgs       []string
}

func (f *fakeExec) ExecuteWithContext(_ context.Context, name string, args ...string) (string, string, int) {
	f.lastName = name
	f.lastArgs = args
	return f.stdout, f.stderr, f.exitCode
}

func newDispatch(t *testing.T, exec *fakeExec) *Dispatch {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	return &Dispatch{
		Config:    cfg,
		Exec:      exec,
		LogStream: devicelogstream.New(fclog.NewPrefixLogger("test")),
		Log:       fclog.NewPrefixLogger("test"),
	}
}

func TestDispatch_Ping(t *testing.T) {
	d := newDispatch(t, &fakeExec{})
	resp, status := d.Execute(context.Background(), 1, "b", v1.SafeCommandTx{Ping: &v1.PingTx{}})
	require.Equal(t, 0, status)
	require.NotNil(t, resp.Pong)
}

func TestDispatch_FreeForm(t *testing.T) {
	exec := &fakeExec{stdout: "hello\n", exitCode: 0}
	d := newDispatch(t, exec)

	resp, status := d.Execute(context.Background(), 2, "b", v1.SafeCommandTx{FreeForm: &v1.FreeFormTx{Cmd: "echo hello"}})

	require.Equal(t, 0, status)
	require.Equal(t, "hello\n", resp.FreeForm.Stdout)
	require.Equal(t, "sh", exec.lastName)
	require.Equal(t, []string{"-c", "echo hello"}, exec.lastArgs)
}

func TestDispatch_FreeForm_NonZeroExit(t *testing.T) {
	exec := &fakeExec{stderr: "boom", exitCode: 1}
	d := newDispatch(t, exec)

	resp, status := d.Execute(context.Background(), 3, "b", v1.SafeCommandTx{FreeForm: &v1.FreeFormTx{Cmd: "false"}})

	require.Equal(t, 1, status)
	require.Equal(t, "boom", resp.FreeForm.Stderr)
}

func TestDispatch_UpdateVariables_MergesRatherThanReplaces(t *testing.T) {
	d := newDispatch(t, &fakeExec{})

	_, status := d.Execute(context.Background(), 4, "b", v1.SafeCommandTx{UpdateVariables: &v1.UpdateVariablesTx{Variables: map[string]string{"a": "1"}}})
	require.Equal(t, 0, status)

	_, status = d.Execute(context.Background(), 5, "b", v1.SafeCommandTx{UpdateVariables: &v1.UpdateVariablesTx{Variables: map[string]string{"b": "2"}}})
	require.Equal(t, 0, status)

	vars := d.Config.Snapshot().Variables
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, vars)
}

func TestDispatch_OpenTunnel_NoTunnelManagerFails(t *testing.T) {
	d := newDispatch(t, &fakeExec{})
	port := int32(22)
	key := "ssh-ed25519 AAAA"

	_, status := d.Execute(context.Background(), 6, "b", v1.SafeCommandTx{OpenTunnel: &v1.OpenTunnelTx{Port: &port, PubKey: &key}})
	require.NotEqual(t, 0, status, "OpenTunnel without a configured Tunnel manager must fail, not panic")
}

func TestDispatch_UnrecognizedVariant(t *testing.T) {
	d := newDispatch(t, &fakeExec{})
	_, status := d.Execute(context.Background(), 7, "b", v1.SafeCommandTx{})
	require.Equal(t, -1, status)
}
