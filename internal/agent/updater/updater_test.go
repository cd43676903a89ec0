package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgefleet/edgefleet/internal/agent/config"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	responses map[string]execResult
}

type execResult struct {
	stdout, stderr string
	code           int
}

func (f *fakeExec) ExecuteWithContext(_ context.Context, name string, args ...string) (string, string, int) {
	key := name
	if len(args) > 0 {
		key = name + " " + args[0]
	}
	if r, ok := f.responses[key]; ok {
		return r.stdout, r.stderr, r.code
	}
	return "", "", 0
}

func newUpdaterForTest(t *testing.T, exec *fakeExec, packageDir string) (*Updater, *config.Store) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	u := New(cfg, nil, nil, exec, packageDir, fclog.NewPrefixLogger("test"))
	return u, cfg
}

func TestNeedsInstall_NotInManifest(t *testing.T) {
	u, _ := newUpdaterForTest(t, &fakeExec{responses: map[string]execResult{
		"dpkg-query -W": {code: 1},
	}}, t.TempDir())

	require.True(t, u.needsInstall(context.Background(), nil, config.Package{Name: "foo", Version: "1.0", File: "foo.deb"}))
}

func TestNeedsInstall_NotDpkgInstalled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.deb"), []byte("data"), 0o644))

	u, _ := newUpdaterForTest(t, &fakeExec{responses: map[string]execResult{
		"dpkg-query -W": {code: 1},
	}}, dir)

	snap := []config.Package{{Name: "foo", Version: "1.0", File: "foo.deb"}}
	require.True(t, u.needsInstall(context.Background(), snap, snap[0]))
}

func TestNeedsInstall_FileMissing(t *testing.T) {
	dir := t.TempDir()
	u, _ := newUpdaterForTest(t, &fakeExec{responses: map[string]execResult{
		"dpkg-query -W": {stdout: "install ok installed 1.0", code: 0},
	}}, dir)

	snap := []config.Package{{Name: "foo", Version: "1.0", File: "foo.deb"}}
	require.True(t, u.needsInstall(context.Background(), snap, snap[0]))
}

func TestNeedsInstall_FileEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.deb"), nil, 0o644))

	u, _ := newUpdaterForTest(t, &fakeExec{responses: map[string]execResult{
		"dpkg-query -W": {stdout: "install ok installed 1.0", code: 0},
	}}, dir)

	snap := []config.Package{{Name: "foo", Version: "1.0", File: "foo.deb"}}
	require.True(t, u.needsInstall(context.Background(), snap, snap[0]))
}

func TestNeedsInstall_AllSatisfied(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.deb"), []byte("data"), 0o644))

	u, _ := newUpdaterForTest(t, &fakeExec{responses: map[string]execResult{
		"dpkg-query -W": {stdout: "install ok installed 1.0", code: 0},
	}}, dir)

	snap := []config.Package{{Name: "foo", Version: "1.0", File: "foo.deb"}}
	require.False(t, u.needsInstall(context.Background(), snap, snap[0]))
}
