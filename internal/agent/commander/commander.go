// Package commander implements the device-side result-map lifecycle of
// spec §4.9: QueueCommand inserts a pending entry, the executor stores its
// response, and GetResults atomically collects and evicts every completed
// entry so a response is reported to the server exactly once per fetch.
// Grounded on the teacher's internal/agent/device/commands.Manager
// (single map guarded by one mutex, dispatch to a single-consumer worker).
package commander

import (
	"context"
	"sync"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
)

type state int

const (
	stateQueued state = iota
	stateCompleted
)

type entry struct {
	state           state
	bundle          string
	continueOnError bool
	response        v1.SafeCommandRx
	status          int
}

// Result is one completed command ready to report on the next heartbeat.
type Result struct {
	ID       int64
	Response v1.SafeCommandRx
	Status   int
}

// Executor runs one command and returns its response plus an exit-style
// status (0 for success, non-zero for failure — spec §4.4's per-command
// "status = exit code" convention).
type Executor func(ctx context.Context, id int64, bundle string, cmd v1.SafeCommandTx) (v1.SafeCommandRx, int)

// Commander holds the result map and dispatches to a single-consumer
// executor goroutine, matching spec §4.5 "enqueues it to a single-consumer
// executor task and marks Queued".
type Commander struct {
	log fclog.PrefixLogger

	mu      sync.Mutex
	entries map[int64]*entry

	work    chan queuedCommand
	execute Executor
}

type queuedCommand struct {
	id              int64
	bundle          string
	cmd             v1.SafeCommandTx
	continueOnError bool
}

// New builds a Commander and starts its single-consumer executor
// goroutine, which runs until ctx is canceled.
func New(ctx context.Context, log *fclog.PrefixLogger, execute Executor) *Commander {
	c := &Commander{
		log:     *log,
		entries: make(map[int64]*entry),
		work:    make(chan queuedCommand, 64),
		execute: execute,
	}
	go c.run(ctx)
	return c
}

func (c *Commander) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qc := <-c.work:
			resp, status := c.execute(ctx, qc.id, qc.bundle, qc.cmd)
			c.complete(qc.id, resp, status)
			if status != 0 && !qc.continueOnError {
				c.log.WithField("command_id", qc.id).Warn("command failed, continue_on_error=false")
			}
		}
	}
}

// QueueCommand enqueues a command for execution and marks it Queued (spec
// §4.9 "insert (id, Queued, None)").
func (c *Commander) QueueCommand(id int64, bundle string, cmd v1.SafeCommandTx, continueOnError bool) {
	c.mu.Lock()
	c.entries[id] = &entry{state: stateQueued, bundle: bundle, continueOnError: continueOnError}
	c.mu.Unlock()

	select {
	case c.work <- queuedCommand{id: id, bundle: bundle, cmd: cmd, continueOnError: continueOnError}:
	default:
		c.log.WithField("command_id", id).Warn("commander: work queue full, command delayed")
		go func() { c.work <- queuedCommand{id: id, bundle: bundle, cmd: cmd, continueOnError: continueOnError} }()
	}
}

// complete is called by the executor goroutine on completion (spec §4.9
// "set (id, Completed, Some(r))").
func (c *Commander) complete(id int64, resp v1.SafeCommandRx, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.state = stateCompleted
	e.response = resp
	e.status = status
}

// GetResults collects every Completed entry and removes it from the map,
// so a response is returned at most once even across repeated heartbeat
// retries (spec §4.9 invariant).
func (c *Commander) GetResults() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]Result, 0, len(c.entries))
	for id, e := range c.entries {
		if e.state != stateCompleted {
			continue
		}
		results = append(results, Result{ID: id, Response: e.response, Status: e.status})
		delete(c.entries, id)
	}
	return results
}

// Pending reports how many commands are still Queued (diagnostic only;
// the Police watchdog does not consult it).
func (c *Commander) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.state == stateQueued {
			n++
		}
	}
	return n
}
