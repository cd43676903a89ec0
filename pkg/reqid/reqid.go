// Package reqid generates short correlation ids threaded through
// context.Context and log lines so a multi-actor operation (a heartbeat, a
// download, a deployment check) can be traced across log output. Mirrors
// the teacher's pkg/reqid usage in internal/agent/agent.go
// (log.WithReqID(reqid.NextRequestID(), a.log)).
package reqid

import (
	"context"
	"sync/atomic"

	fclog "github.com/edgefleet/edgefleet/pkg/log"
)

type ctxKey struct{}

var counter uint64

// NextRequestID returns a new, process-unique, monotonically increasing
// request id.
func NextRequestID() string {
	n := atomic.AddUint64(&counter, 1)
	return itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// WithReqID returns a logger carrying the request id as a structured field.
func WithReqID(id string, l *fclog.PrefixLogger) *fclog.PrefixLogger {
	return l.WithField("req_id", id)
}

// NewContext stores a request id in ctx.
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// GetReqID retrieves the request id from ctx, or "" if none was set.
func GetReqID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}
