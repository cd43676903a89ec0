// Package executer wraps external process execution behind a narrow
// interface so the updater, tunnel, and FreeForm command executor can be
// tested without forking real processes. Grounded on the teacher's
// pkg/executer (ExecuteWithContext return shape) and
// internal/agent/client/executer.go (per-user execution options).
package executer

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"syscall"
)

// Executer runs external commands and captures their output.
type Executer interface {
	ExecuteWithContext(ctx context.Context, name string, args ...string) (stdout string, stderr string, exitCode int)
}

// ExecuterOption configures a CommonExecuter.
type ExecuterOption func(*CommonExecuter)

// WithHomeDir sets the HOME environment variable for spawned processes.
func WithHomeDir(dir string) ExecuterOption {
	return func(e *CommonExecuter) { e.homeDir = dir }
}

// WithUIDAndGID runs spawned processes as the given uid/gid.
func WithUIDAndGID(uid, gid uint32) ExecuterOption {
	return func(e *CommonExecuter) { e.uid, e.gid = &uid, &gid }
}

// CommonExecuter is the default Executer, shelling out via os/exec.
type CommonExecuter struct {
	homeDir string
	uid     *uint32
	gid     *uint32
}

// NewCommonExecuter builds a CommonExecuter with the given options.
func NewCommonExecuter(opts ...ExecuterOption) *CommonExecuter {
	e := &CommonExecuter{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *CommonExecuter) ExecuteWithContext(ctx context.Context, name string, args ...string) (string, string, int) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if e.homeDir != "" {
		cmd.Env = append(os.Environ(), "HOME="+e.homeDir)
	}
	if e.uid != nil && e.gid != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: *e.uid, Gid: *e.gid},
		}
	}

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return stdout.String(), stderr.String(), exitErr.ExitCode()
	}
	// process never started (e.g. permission denied changing credentials)
	return stdout.String(), stderr.String(), -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
