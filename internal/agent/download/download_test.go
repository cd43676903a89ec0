package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgefleet/edgefleet/internal/agent/client"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/stretchr/testify/require"
)

func TestFetch_FullDownload(t *testing.T) {
	payload := []byte("package contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-file-size", "16")
		w.Header().Set("etag", "abc123")
		w.Write(payload)
	}))
	defer srv.Close()

	c := client.New(srv.URL, "")
	d := New(c, fclog.NewPrefixLogger("test"), 0)

	dest := filepath.Join(t.TempDir(), "pkg", "foo.deb")
	require.NoError(t, d.Fetch(context.Background(), "foo.deb", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestFetch_LengthMismatchExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-file-size", "999")
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	c := client.New(srv.URL, "")
	d := New(c, fclog.NewPrefixLogger("test"), 0)

	dest := filepath.Join(t.TempDir(), "foo.deb")
	err := d.Fetch(context.Background(), "foo.deb", dest)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestFetch_ResumesWhenServerEtagMatchesStored(t *testing.T) {
	full := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("etag", "same-etag")
		if r.Method == http.MethodHead {
			w.Header().Set("x-file-size", "10")
			return
		}
		rng := r.Header.Get("Range")
		if rng == "" {
			t.Fatalf("expected a Range request, got none")
		}
		w.Header().Set("x-file-size", "10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[5:])
	}))
	defer srv.Close()

	c := client.New(srv.URL, "")
	d := New(c, fclog.NewPrefixLogger("test"), 0)

	dest := filepath.Join(t.TempDir(), "foo.deb")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, full[:5], 0o644))
	require.NoError(t, setXattr(dest, "same-etag"))

	require.NoError(t, d.Fetch(context.Background(), "foo.deb", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, full, data)
}

func TestFetch_RestartsOnServerEtagMismatch(t *testing.T) {
	fresh := []byte("brand-new-contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("etag", "fresh-etag")
		w.Header().Set("x-file-size", "18")
		if r.Method == http.MethodHead {
			return
		}
		if r.Header.Get("Range") != "" {
			t.Fatalf("did not expect a Range request after an etag mismatch")
		}
		w.Write(fresh)
	}))
	defer srv.Close()

	c := client.New(srv.URL, "")
	d := New(c, fclog.NewPrefixLogger("test"), 0)

	dest := filepath.Join(t.TempDir(), "foo.deb")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("stale-partial-data"), 0o644))
	require.NoError(t, setXattr(dest, "stale-etag"))

	require.NoError(t, d.Fetch(context.Background(), "foo.deb", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, fresh, data)
}
