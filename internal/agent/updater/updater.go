// Package updater implements the device's apt-based Updater control loop
// (spec §4.5, §4.6): every 60s, compare the on-disk manifest's release_id
// to its target_release_id; on mismatch run apt update, fetch the target
// manifest, download any package that's missing/mismatched through the
// Downloader, apt install --allow-downgrades, and only advance release_id
// once every package's installed version matches the manifest. Grounded
// on the teacher's internal/agent/device/publisher (periodic reconcile
// loop against a desired-state fetch) generalized from bootc/container
// image reconciliation to apt package reconciliation, using pkg/executer
// for every shelled-out command as the teacher does.
package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/internal/agent/config"
	"github.com/edgefleet/edgefleet/internal/agent/download"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/edgefleet/edgefleet/pkg/executer"
)

// Interval is the control loop period (spec §4.6 "every 60 s").
const Interval = 60 * time.Second

// ManifestFetcher retrieves the packages a target release requires. The
// caller supplies this (backed by the control-plane client) rather than
// updater importing internal/agent/client directly, keeping the loop
// testable against a fake.
type ManifestFetcher func(ctx context.Context, targetReleaseID int64) ([]config.Package, error)

// Updater owns the reconcile loop.
type Updater struct {
	cfg        *config.Store
	downloader *download.Downloader
	fetch      ManifestFetcher
	exec       executer.Executer
	packageDir string
	log        *fclog.PrefixLogger
}

// New builds an Updater. packageDir is the directory package files are
// downloaded into (spec §4.6 "Package files live in ./packages/<file>").
func New(cfg *config.Store, downloader *download.Downloader, fetch ManifestFetcher, exec executer.Executer, packageDir string, log *fclog.PrefixLogger) *Updater {
	return &Updater{cfg: cfg, downloader: downloader, fetch: fetch, exec: exec, packageDir: packageDir, log: log}
}

// Run drives the reconcile loop until ctx is canceled.
func (u *Updater) Run(ctx context.Context) error {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		if err := u.reconcileOnce(ctx); err != nil {
			u.log.WithError(err).Warn("updater: reconcile failed, will retry next tick")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (u *Updater) reconcileOnce(ctx context.Context) error {
	snap := u.cfg.Snapshot()
	if snap.TargetReleaseID == nil || (snap.ReleaseID != nil && *snap.ReleaseID == *snap.TargetReleaseID) {
		return nil
	}

	if err := u.handleInterruptedDpkg(ctx); err != nil {
		return fmt.Errorf("updater: clearing interrupted dpkg state: %w", err)
	}

	if stdout, stderr, code := u.exec.ExecuteWithContext(ctx, "apt", "update"); code != 0 {
		return fmt.Errorf("updater: apt update failed (exit %d): %s", code, firstNonEmpty(stderr, stdout))
	}

	manifest, err := u.fetch(ctx, *snap.TargetReleaseID)
	if err != nil {
		return fmt.Errorf("updater: fetching target manifest: %w", err)
	}

	toInstall, err := u.downloadNeeded(ctx, manifest)
	if err != nil {
		return fmt.Errorf("updater: downloading packages: %w", err)
	}

	if len(toInstall) > 0 {
		args := append([]string{"install", "-y", "--allow-downgrades"}, toInstall...)
		if stdout, stderr, code := u.exec.ExecuteWithContext(ctx, "apt", args...); code != 0 {
			return fmt.Errorf("updater: apt install failed (exit %d): %s", code, firstNonEmpty(stderr, stdout))
		}
	}

	if !u.allInstalledAtVersion(ctx, manifest) {
		return fmt.Errorf("updater: post-install version check failed, release_id not advanced")
	}

	return u.cfg.Update(func(m *config.Manifest) {
		m.Packages = manifest
		m.ReleaseID = snap.TargetReleaseID
	})
}

// needsInstall applies spec §4.6's triple-check: not in the on-disk
// manifest, not reported installed by dpkg -l, or the local package file
// missing/empty.
func (u *Updater) needsInstall(ctx context.Context, snapshotPackages []config.Package, pkg config.Package) bool {
	found := false
	for _, have := range snapshotPackages {
		if have.Name == pkg.Name && have.Version == pkg.Version {
			found = true
			break
		}
	}
	if !found {
		return true
	}
	if !u.dpkgReportsInstalled(ctx, pkg.Name, pkg.Version) {
		return true
	}
	path := filepath.Join(u.packageDir, pkg.File)
	info, err := os.Stat(path)
	return err != nil || info.Size() == 0
}

func (u *Updater) downloadNeeded(ctx context.Context, manifest []config.Package) ([]string, error) {
	snap := u.cfg.Snapshot()
	var names []string
	for _, pkg := range manifest {
		if !u.needsInstall(ctx, snap.Packages, pkg) {
			continue
		}
		dest := filepath.Join(u.packageDir, pkg.File)
		if err := u.downloader.Fetch(ctx, pkg.File, dest); err != nil {
			return nil, fmt.Errorf("fetching %s: %w", pkg.Name, err)
		}
		names = append(names, dest)
	}
	return names, nil
}

func (u *Updater) allInstalledAtVersion(ctx context.Context, manifest []config.Package) bool {
	for _, pkg := range manifest {
		if !u.dpkgReportsInstalled(ctx, pkg.Name, pkg.Version) {
			return false
		}
	}
	return true
}

func (u *Updater) dpkgReportsInstalled(ctx context.Context, name, version string) bool {
	stdout, _, code := u.exec.ExecuteWithContext(ctx, "dpkg-query", "-W", "-f=${Status} ${Version}\n", name)
	if code != 0 {
		return false
	}
	return strings.Contains(stdout, "install ok installed") && strings.Contains(stdout, version)
}

// handleInterruptedDpkg schedules `dpkg --configure -a` via systemd-run
// when a prior install was interrupted mid-transaction (spec §4.6).
func (u *Updater) handleInterruptedDpkg(ctx context.Context) error {
	stdout, _, _ := u.exec.ExecuteWithContext(ctx, "dpkg", "--audit")
	if strings.TrimSpace(stdout) == "" {
		return nil
	}
	_, stderr, code := u.exec.ExecuteWithContext(ctx, "systemd-run", "--wait", "dpkg", "--configure", "-a")
	if code != 0 {
		return fmt.Errorf("dpkg --configure -a failed: %s", stderr)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
