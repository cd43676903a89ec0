// Package shutdown implements the tree-structured cancellation primitive
// shared by every long-running actor on both sides of the system: a root
// context.CancelFunc plus a set of named callbacks invoked, once, when
// shutdown begins. Grounded on the teacher's internal/agent/shutdown
// manager (signal handling, idempotent Shutdown via sync.Once, named
// callback registration) and generalised so the server side (which has no
// systemd/utmp concerns) can reuse the same primitive.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	fclog "github.com/edgefleet/edgefleet/pkg/log"
)

// Callback is invoked once shutdown begins. It should stop accepting new
// work and return once any in-flight work has wound down, respecting ctx's
// deadline.
type Callback func(ctx context.Context) error

// Manager is the root of the cancellation tree: Register attaches a named
// actor teardown; Shutdown (or a received signal) runs every registered
// callback exactly once, in registration order, all sharing one context
// whose deadline is timeout.
type Manager interface {
	// Run blocks until ctx is canceled or a termination signal is
	// received, then drives Shutdown and returns.
	Run(ctx context.Context)
	// Shutdown idempotently invokes every registered callback.
	Shutdown(ctx context.Context)
	// Register attaches a named teardown callback. Registering the same
	// name twice is a no-op (logged), matching the teacher's manager.
	Register(name string, fn Callback)
	// Context returns a context.Context canceled when shutdown begins,
	// suitable for handing to actors as their cooperative cancellation
	// signal (spec §4.5's "shutdown token").
	Context() context.Context
	// Done reports whether Shutdown has completed running callbacks.
	Done() <-chan struct{}
}

type manager struct {
	mu         sync.Mutex
	registered map[string]Callback
	order      []string
	once       sync.Once
	done       chan struct{}
	timeout    time.Duration
	log        *fclog.PrefixLogger

	cancel context.CancelFunc
	ctx    context.Context
}

// NewManager creates a shutdown Manager. timeout is the deadline of the
// single context handed to every callback; Shutdown still waits for each
// callback to return.
func NewManager(parent context.Context, log *fclog.PrefixLogger, timeout time.Duration) Manager {
	ctx, cancel := context.WithCancel(parent)
	return &manager{
		registered: make(map[string]Callback),
		done:       make(chan struct{}),
		timeout:    timeout,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *manager) Context() context.Context { return m.ctx }
func (m *manager) Done() <-chan struct{}    { return m.done }

func (m *manager) Register(name string, fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registered[name]; exists {
		m.log.Warnf("shutdown callback %q already registered", name)
		return
	}
	m.registered[name] = fn
	m.order = append(m.order, name)
}

func (m *manager) Run(ctx context.Context) {
	defer m.log.Infof("shutdown complete")

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(signals)
		close(signals)
	}()

	select {
	case s := <-signals:
		m.log.Infof("received signal: %s", s)
	case <-ctx.Done():
		m.log.Infof("context canceled: %v", ctx.Err())
	}
	m.Shutdown(context.Background())
}

func (m *manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		defer close(m.done)
		m.cancel()

		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		m.mu.Lock()
		order := append([]string(nil), m.order...)
		m.mu.Unlock()

		start := time.Now()
		for _, name := range order {
			m.log.Infof("shutting down: %s", name)
			if err := m.registered[name](ctx); err != nil {
				m.log.WithError(err).Errorf("error shutting down %s", name)
			}
		}
		m.log.Infof("shutdown finished in %s", time.Since(start))
	})
}
