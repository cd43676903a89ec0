// Package download implements the agent's Downloader actor (spec §4.5):
// one file in flight at a time behind a single mutex, per-request
// token-bucket rate limiting, resumable via a Range request keyed off a
// stored etag, and a bounded retry on length mismatch. Grounded on the
// teacher's internal/agent/device/fileio (xattr-backed metadata sidecar)
// and golang.org/x/time/rate as named in SPEC_FULL.md's domain stack.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/edgefleet/edgefleet/internal/agent/client"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// MaxAttempts bounds the length-mismatch retry (spec §4.5 "bounded: 2
// attempts").
const MaxAttempts = 2

// EtagXattr is the extended attribute name each package file carries
// (spec §6 "Each package file carries an extended attribute `user.etag`").
const EtagXattr = "user.etag"

// ErrLengthMismatch is wrapped in the error Fetch returns when the last of
// its MaxAttempts attempts still disagrees with the server-reported content
// length.
var ErrLengthMismatch = fmt.Errorf("download: on-disk length never matched x-file-size")

// Downloader serializes all downloads behind one mutex-equivalent (a
// buffered-1 semaphore channel) so only one file transfers at a time,
// while still accepting new requests concurrently (spec §4.5).
type Downloader struct {
	client    *client.Client
	log       *fclog.PrefixLogger
	sem       chan struct{}
	rateLimit rate.Limit // bytes/sec
}

// New builds a Downloader. bytesPerSecond bounds each request's token
// bucket (0 disables throttling).
func New(c *client.Client, log *fclog.PrefixLogger, bytesPerSecond int) *Downloader {
	limit := rate.Inf
	if bytesPerSecond > 0 {
		limit = rate.Limit(bytesPerSecond)
	}
	return &Downloader{client: c, log: log, sem: make(chan struct{}, 1), rateLimit: limit}
}

// Fetch downloads serverPath to destPath, resuming from an existing
// partial file when its etag matches, and retrying from scratch up to
// MaxAttempts times when the resulting length disagrees with the server.
func (d *Downloader) Fetch(ctx context.Context, serverPath, destPath string) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err := d.attempt(ctx, serverPath, destPath)
		if err == nil {
			return nil
		}
		lastErr = err
		d.log.WithField("attempt", attempt).WithError(err).Warn("download: attempt failed")
	}
	return fmt.Errorf("download: %s: giving up after %d attempts: %w", serverPath, MaxAttempts, lastErr)
}

func (d *Downloader) attempt(ctx context.Context, serverPath, destPath string) error {
	rangeHeader := ""
	var resumeFrom int64
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		localEtag, err := getXattr(destPath)
		if err != nil || localEtag == "" {
			d.log.Warn("download: no stored etag for existing partial file, restarting from scratch")
		} else if serverEtag, err := d.client.HeadEtag(ctx, serverPath); err != nil {
			d.log.WithError(err).Warn("download: checking server etag, restarting from scratch")
		} else if serverEtag != localEtag {
			d.log.WithField("local_etag", localEtag).WithField("server_etag", serverEtag).
				Warn("download: etag mismatch, restarting from scratch")
		} else {
			rangeHeader = fmt.Sprintf("bytes=%d-", info.Size())
			resumeFrom = info.Size()
		}
	}

	resp, err := d.client.DownloadRequest(ctx, serverPath, rangeHeader)
	if err != nil {
		return fmt.Errorf("download: requesting %s: %w", serverPath, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if rangeHeader != "" && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		// server ignored Range (or we didn't ask): truncate and restart
		// (spec §4.5 "if the server does not return 206, the file is
		// truncated and restarted").
		flags |= os.O_TRUNC
		resumeFrom = 0
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("download: creating parent dir: %w", err)
	}
	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("download: opening %s: %w", destPath, err)
	}
	defer f.Close()

	limiter := rate.NewLimiter(d.rateLimit, maxBurst(d.rateLimit))
	if err := copyRateLimited(ctx, f, resp.Body, limiter); err != nil {
		return fmt.Errorf("download: writing %s: %w", destPath, err)
	}

	expected := resp.Header.Get("x-file-size")
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if expected != "" && fmt.Sprintf("%d", info.Size()) != expected {
		return fmt.Errorf("%w: have %d, server reports %s", ErrLengthMismatch, info.Size(), expected)
	}

	if etag := resp.Header.Get("etag"); etag != "" {
		if err := setXattr(destPath, etag); err != nil {
			d.log.WithError(err).Warn("download: setting etag xattr")
		}
	}
	_ = resumeFrom
	return nil
}

func maxBurst(limit rate.Limit) int {
	if limit == rate.Inf {
		return 1 << 20
	}
	if limit < 1 {
		return 1
	}
	return int(limit)
}

func copyRateLimited(ctx context.Context, dst io.Writer, src io.Reader, limiter *rate.Limiter) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := limiter.WaitN(ctx, n); err != nil {
				return err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func getXattr(path string) (string, error) {
	buf := make([]byte, 256)
	n, err := unix.Getxattr(path, EtagXattr, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func setXattr(path, value string) error {
	return unix.Setxattr(path, EtagXattr, []byte(value), 0)
}
