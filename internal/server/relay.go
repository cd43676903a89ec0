// relay.go implements the public-facing side of the reverse-SSH tunnel
// (spec §4.3 OpenTunnel/§4.5 Tunnel): devices dial in as SSH clients and
// request a reverse listener (tcpip-forward); the operator's own SSH
// client then connects through that listener to reach the device's local
// sshd. Grounded on gliderlabs/ssh's own reverse-port-forwarding wiring,
// named as the "server-side relay stub" in SPEC_FULL.md's domain stack —
// device authorization happens at OpenTunnel command-issuance time (only
// a device holding a current bearer token ever receives the command and
// the single-use key it carries), so the relay itself accepts any client
// key rather than re-deriving that check from the SSH handshake.
package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gliderlabs/ssh"
	"github.com/sirupsen/logrus"
	gossh "golang.org/x/crypto/ssh"
)

// Relay is the SSH server devices open reverse tunnels through.
type Relay struct {
	log logrus.FieldLogger
	srv *ssh.Server
}

// NewRelay builds a Relay bound to addr. The host key is generated fresh
// per process: the relay's identity only needs to be stable for the
// lifetime of the tunnels it's currently forwarding, not across restarts,
// since devices pin the relay's address, not its host key (spec §4.3
// treats the relay as a transport, not a trust anchor — device identity
// flows through the bearer-token-gated command channel instead).
func NewRelay(addr string, log logrus.FieldLogger) (*Relay, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("relay: generating host key: %w", err)
	}
	hostKey, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("relay: wrapping host key: %w", err)
	}

	forwardHandler := &ssh.ForwardedTCPHandler{}

	srv := &ssh.Server{
		Addr: addr,
		Handler: func(s ssh.Session) {
			io.WriteString(s, "edgefleet relay: no interactive shell\n")
			s.Exit(1)
		},
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			return true
		},
		ReversePortForwardingCallback: ssh.ReversePortForwardingCallback(func(ctx ssh.Context, bindHost string, bindPort uint32) bool {
			return true
		}),
		ChannelHandlers: map[string]ssh.ChannelHandler{
			"direct-tcpip": ssh.DirectTCPIPHandler,
			"session":      ssh.DefaultSessionHandler,
		},
		RequestHandlers: map[string]ssh.RequestHandler{
			"tcpip-forward":        forwardHandler.HandleSSHRequest,
			"cancel-tcpip-forward": forwardHandler.HandleSSHRequest,
		},
	}
	srv.AddHostKey(hostKey)

	return &Relay{log: log, srv: srv}, nil
}

// Run serves until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.log.Info("shutdown signal received, closing ssh relay")
		r.srv.Close()
	}()

	r.log.Infof("ssh relay listening on %s", r.srv.Addr)
	err := r.srv.ListenAndServe()
	if err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
