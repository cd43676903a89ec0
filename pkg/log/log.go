// Package log wraps logrus with a per-component prefix, mirroring the
// teacher's pkg/log.PrefixLogger: every actor on both the server and the
// device gets its own tagged logger so multi-actor output stays
// attributable to a component ("postman", "commander", "updater", ...)
// without threading a component string through every call site.
package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PrefixLogger wraps a logrus entry and prefixes every message with a fixed
// component tag. It does not implement logrus.FieldLogger.
type PrefixLogger struct {
	prefix string
	entry  *logrus.Entry
}

// NewPrefixLogger returns a logger that prefixes every line with prefix (if
// non-empty).
func NewPrefixLogger(prefix string) *PrefixLogger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &PrefixLogger{prefix: prefix, entry: logrus.NewEntry(base)}
}

// NewPrefixLoggerFromLogger builds a PrefixLogger around an existing
// *logrus.Logger, so server and agent can share sink configuration
// (formatter, output, hooks) while still tagging individual components.
func NewPrefixLoggerFromLogger(l *logrus.Logger, prefix string) *PrefixLogger {
	return &PrefixLogger{prefix: prefix, entry: logrus.NewEntry(l)}
}

// Level sets the minimum logged severity by name ("debug", "info", "warn",
// "error", ...), defaulting to info on an unrecognised value.
func (p *PrefixLogger) Level(level string) *PrefixLogger {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	p.entry.Logger.SetLevel(lvl)
	return p
}

// WithField returns a derived PrefixLogger carrying the structured field.
func (p *PrefixLogger) WithField(key string, value any) *PrefixLogger {
	return &PrefixLogger{prefix: p.prefix, entry: p.entry.WithField(key, value)}
}

// WithError returns a derived PrefixLogger carrying the error field.
func (p *PrefixLogger) WithError(err error) *PrefixLogger {
	return &PrefixLogger{prefix: p.prefix, entry: p.entry.WithError(err)}
}

func (p *PrefixLogger) tag(format string) string {
	if p.prefix == "" {
		return format
	}
	return p.prefix + ": " + format
}

func (p *PrefixLogger) Debugf(format string, args ...any) { p.entry.Debugf(p.tag(format), args...) }
func (p *PrefixLogger) Infof(format string, args ...any)  { p.entry.Infof(p.tag(format), args...) }
func (p *PrefixLogger) Warnf(format string, args ...any)  { p.entry.Warnf(p.tag(format), args...) }
func (p *PrefixLogger) Errorf(format string, args ...any) { p.entry.Errorf(p.tag(format), args...) }
func (p *PrefixLogger) Fatalf(format string, args ...any) { p.entry.Fatalf(p.tag(format), args...) }

func (p *PrefixLogger) Debug(args ...any) { p.entry.Debug(prefixArgs(p.prefix, args)...) }
func (p *PrefixLogger) Info(args ...any)  { p.entry.Info(prefixArgs(p.prefix, args)...) }
func (p *PrefixLogger) Warn(args ...any)  { p.entry.Warn(prefixArgs(p.prefix, args)...) }
func (p *PrefixLogger) Error(args ...any) { p.entry.Error(prefixArgs(p.prefix, args)...) }

func prefixArgs(prefix string, args []any) []any {
	if prefix == "" {
		return args
	}
	return append([]any{prefix + ": "}, args...)
}

var _ fmt.Stringer = (*PrefixLogger)(nil)

func (p *PrefixLogger) String() string { return p.prefix }
