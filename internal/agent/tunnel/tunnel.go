// Package tunnel implements the device's reverse-SSH remote-access actor
// (spec §4.5 Tunnel, §4.3 OpenTunnel/CloseTunnel): Open appends a
// single-use public key to the Manager's authorized_keys file under an
// flock, starts a reverse tunnel to the server's public SSH relay, and
// tags the resulting session with a UUID so Close (or the 30-minute
// sweep) can tear it down. Grounded on the teacher's internal/tunnel
// package (per-device reverse-proxy registry) generalized from
// MASQUE/TURN relaying to plain SSH reverse port-forwarding, with
// gliderlabs/ssh and golang.org/x/crypto/ssh as named in SPEC_FULL.md's
// domain stack.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// SweepInterval is how often expired tunnels are reaped (spec §4.5
// "10-minute sweep").
const SweepInterval = 10 * time.Minute

// TTL is how long a tunnel survives after it was opened before the sweep
// closes it, whether or not it is in use
// (spec §4.5 "30-minute TTL").
const TTL = 30 * time.Minute

// connection is one open reverse tunnel.
type connection struct {
	id        string
	localPort int32
	keyLine   string
	opened    time.Time
	client    *ssh.Client
	listener  net.Listener
	cancel    context.CancelFunc
}

// Manager owns every open tunnel, keyed by local port, and the
// authorized_keys file each Open call mutates.
type Manager struct {
	relayAddr          string
	relayConfig        *ssh.ClientConfig
	authorizedKeysPath string
	lockPath           string

	log *fclog.PrefixLogger

	mu    sync.Mutex
	conns map[int32]*connection
}

// New builds a Manager. relayAddr is the public SSH relay the reverse
// tunnel dials out to (spec §4.3 "starts a client to the public relay").
// signer authenticates the device to that relay.
func New(relayAddr, authorizedKeysPath string, signer ssh.Signer, log *fclog.PrefixLogger) *Manager {
	m := &Manager{
		relayAddr:          relayAddr,
		authorizedKeysPath: authorizedKeysPath,
		lockPath:           authorizedKeysPath + ".lock",
		log:                log,
		conns:              make(map[int32]*connection),
	}
	if signer != nil {
		m.relayConfig = &ssh.ClientConfig{
			User:            "device",
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // relay identity pinned at provisioning time
			Timeout:         10 * time.Second,
		}
	}
	return m
}

// Open appends pubKey to the Manager's authorized_keys file (under an
// flock so concurrent Open calls never interleave writes), starts a
// reverse tunnel relaying connections to localPort, and returns the
// relay-side port the server can reach the device on.
func (m *Manager) Open(ctx context.Context, localPort int32, pubKey string) (int32, error) {
	if m.relayConfig == nil {
		return 0, fmt.Errorf("tunnel: no relay identity provisioned")
	}

	id := uuid.NewString()
	keyLine := fmt.Sprintf("%s edgefleet-tunnel-%s\n", trimNewline(pubKey), id)

	if err := m.appendAuthorizedKey(keyLine); err != nil {
		return 0, fmt.Errorf("tunnel: appending authorized key: %w", err)
	}

	client, err := ssh.Dial("tcp", m.relayAddr, m.relayConfig)
	if err != nil {
		return 0, fmt.Errorf("tunnel: dialing relay %s: %w", m.relayAddr, err)
	}

	listener, err := client.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		client.Close()
		return 0, fmt.Errorf("tunnel: requesting reverse listener: %w", err)
	}
	remotePort := int32(listener.Addr().(*net.TCPAddr).Port)

	tctx, cancel := context.WithCancel(context.Background())
	conn := &connection{id: id, localPort: localPort, keyLine: keyLine, opened: time.Now(), client: client, listener: listener, cancel: cancel}

	m.mu.Lock()
	m.conns[localPort] = conn
	m.mu.Unlock()

	go m.forward(tctx, conn)

	return remotePort, nil
}

// Close tears down the tunnel bound to localPort and removes its key from
// authorized_keys.
func (m *Manager) Close(localPort int32) error {
	m.mu.Lock()
	conn, ok := m.conns[localPort]
	if ok {
		delete(m.conns, localPort)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(conn)
}

// Sweep closes every tunnel older than TTL; call on a ticker from the
// owning actor loop.
func (m *Manager) Sweep() {
	m.mu.Lock()
	var expired []*connection
	for port, conn := range m.conns {
		if time.Since(conn.opened) > TTL {
			expired = append(expired, conn)
			delete(m.conns, port)
		}
	}
	m.mu.Unlock()

	for _, conn := range expired {
		if err := m.teardown(conn); err != nil {
			m.log.WithField("tunnel_id", conn.id).WithError(err).Warn("tunnel: sweep teardown failed")
		}
	}
}

func (m *Manager) teardown(conn *connection) error {
	conn.cancel()
	conn.listener.Close()
	conn.client.Close()
	return m.removeAuthorizedKey(conn.keyLine)
}

// forward accepts connections arriving on the relay-side listener and
// pipes each to the local service on conn.localPort, until ctx is
// canceled (the relay is torn down) or the listener errors.
func (m *Manager) forward(ctx context.Context, conn *connection) {
	go func() {
		<-ctx.Done()
		conn.listener.Close()
	}()

	for {
		remote, err := conn.listener.Accept()
		if err != nil {
			return
		}
		go m.pipe(ctx, remote, conn.localPort)
	}
}

func (m *Manager) pipe(ctx context.Context, remote net.Conn, localPort int32) {
	defer remote.Close()

	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		m.log.WithField("local_port", localPort).WithError(err).Warn("tunnel: dialing local service")
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(local, remote); done <- struct{}{} }()
	go func() { io.Copy(remote, local); done <- struct{}{} }()
	<-done
}

func (m *Manager) appendAuthorizedKey(keyLine string) error {
	return withFlock(m.lockPath, func() error {
		f, err := os.OpenFile(m.authorizedKeysPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString(keyLine)
		return err
	})
}

func (m *Manager) removeAuthorizedKey(keyLine string) error {
	return withFlock(m.lockPath, func() error {
		data, err := os.ReadFile(m.authorizedKeysPath)
		if err != nil {
			return err
		}
		filtered := removeLine(string(data), keyLine)
		return os.WriteFile(m.authorizedKeysPath, []byte(filtered), 0o600)
	})
}

func withFlock(path string, fn func() error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func removeLine(body, line string) string {
	target := trimNewline(line)
	var out strings.Builder
	for _, l := range strings.Split(body, "\n") {
		if l == "" || l == target {
			continue
		}
		out.WriteString(l)
		out.WriteByte('\n')
	}
	return out.String()
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\r\n")
}
