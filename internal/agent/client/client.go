// Package client is the device's HTTP client to the control server:
// register, heartbeat, and the two network-test probe endpoints (spec
// §4.1, §4.2, §6). Grounded on the teacher's internal/agent/client
// (request-id header injection via pkg/reqid, bounded per-request
// timeout) generalized from the teacher's generated OpenAPI client to
// plain net/http since this system's wire contract (api/v1) has no
// generated client of its own.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/pkg/reqid"
)

// RequestTimeout bounds every individual HTTP call (spec §5 "individual
// HTTP requests cap at 10 s").
const RequestTimeout = 10 * time.Second

// ErrUnauthorized is returned when the server rejects the device's bearer
// token, the trigger for the agent to clear its token and re-register
// (spec §4.1, §7 "device clears token and re-registers at next heartbeat").
var ErrUnauthorized = fmt.Errorf("client: server rejected the device token")

// Client talks to one control server instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client. token may be empty before registration completes.
func New(baseURL, token string) *Client {
	return &Client{baseURL: baseURL, token: token, http: &http.Client{Timeout: RequestTimeout}}
}

// WithToken returns a derived Client carrying a fresh bearer token (used
// immediately after Register succeeds).
func (c *Client) WithToken(token string) *Client {
	return &Client{baseURL: c.baseURL, token: token, http: c.http}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", reqid.NextRequestID())
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	if resp.StatusCode == http.StatusForbidden {
		return ErrForbidden
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client: %s %s: unexpected status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ErrConflict mirrors the server's 409 on re-registering an already
// token-bearing device (spec §4.1).
var ErrConflict = fmt.Errorf("client: device already registered")

// ErrForbidden mirrors the server's 403 on an unapproved device.
var ErrForbidden = fmt.Errorf("client: device not approved")

// Register posts the device's identity and returns the minted token.
func (c *Client) Register(ctx context.Context, serial, wifiMAC string) (string, error) {
	var resp v1.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/smith/register", v1.RegisterRequest{SerialNumber: serial, WifiMAC: wifiMAC}, &resp, false)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Heartbeat posts accumulated responses and returns the server's pending
// commands (spec §4.2).
func (c *Client) Heartbeat(ctx context.Context, req v1.HeartbeatRequest) (*v1.HeartbeatResponse, error) {
	var resp v1.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/smith/home", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestFile fetches the server's fixed 20 MiB zero payload for download
// throughput measurement (spec §4.4 TestNetwork).
func (c *Client) TestFile(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/smith/network/test-file", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("client: test-file: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// TestUpload posts body for upload throughput measurement and returns the
// byte count the server reports receiving.
func (c *Client) TestUpload(ctx context.Context, body io.Reader, size int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/smith/network/test-upload", body)
	if err != nil {
		return 0, err
	}
	req.ContentLength = size
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		BytesReceived int64 `json:"bytes_received"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.BytesReceived, nil
}

// HeadEtag issues a HEAD request for path and returns the server's current
// etag, used by the Downloader to decide whether an on-disk partial file is
// still resumable before it commits to an append (spec §4.5, §8).
func (c *Client) HeadEtag(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/smith/download?path="+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: head %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("client: head %s: unexpected status %d", path, resp.StatusCode)
	}
	return resp.Header.Get("etag"), nil
}

// DownloadRequest performs a range-capable GET of path, returning the
// response (caller inspects status/headers for resume logic, spec §4.5
// Downloader).
func (c *Client) DownloadRequest(ctx context.Context, path, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/smith/download?path="+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return c.http.Do(req)
}
