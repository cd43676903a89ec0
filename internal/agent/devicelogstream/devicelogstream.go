// Package devicelogstream is the device-side half of the log-stream
// rendezvous (spec §4.10 step 2 "device dials the rendezvous WebSocket URL
// and pipes `journalctl -f -u <service>` stdout into it until StopLogStream
// or the upstream connection closes"). Grounded on the teacher's
// internal/agent/device/console (child-process-to-websocket bridge) with
// gorilla/websocket as the transport, matching the control server's own
// internal/logstream.
package devicelogstream

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"

	fclog "github.com/edgefleet/edgefleet/pkg/log"
)

// Bridge owns every active journalctl-to-websocket relay, keyed by
// session id, so StopLogStream can cancel one without affecting others.
type Bridge struct {
	log *fclog.PrefixLogger

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// New builds an empty Bridge.
func New(log *fclog.PrefixLogger) *Bridge {
	return &Bridge{log: log, sessions: make(map[string]context.CancelFunc)}
}

// Start dials wsURL and begins relaying `journalctl -f -u service` lines
// into it. Returns once the connection is established; the relay itself
// runs in the background until Stop is called or the socket closes.
func (b *Bridge) Start(ctx context.Context, sessionID, service, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("devicelogstream: dialing %s: %w", wsURL, err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.sessions[sessionID] = cancel
	b.mu.Unlock()

	go b.relay(rctx, sessionID, service, conn)
	return nil
}

// Stop cancels the relay for sessionID, if any.
func (b *Bridge) Stop(sessionID string) {
	b.mu.Lock()
	cancel, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

func (b *Bridge) relay(ctx context.Context, sessionID, service string, conn *websocket.Conn) {
	defer conn.Close()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, sessionID)
		b.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, "journalctl", "-f", "-u", service)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.log.WithField("session_id", sessionID).WithError(err).Warn("devicelogstream: opening journalctl pipe")
		return
	}
	if err := cmd.Start(); err != nil {
		b.log.WithField("session_id", sessionID).WithError(err).Warn("devicelogstream: starting journalctl")
		return
	}
	defer cmd.Wait()

	go func() {
		<-ctx.Done()
		_ = cmd.Process.Kill()
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			return
		}
	}
}
