// Package log is the logging abstraction used across nworlds.
//
// Components receive a Logger in their config and default to Noop, so the
// library packages never decide how or where logs are written.
package log

import "context"

// Kv is a helper type for structured logging key-value pairs.
type Kv = map[string]any

// Logger is the interface every component logs through.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
	WithValues(values Kv) Logger
	WithCtxValues(ctx context.Context) Logger
}

type noop int

// Noop logger doesn't log anything.
const Noop = noop(0)

var _ Logger = Noop

func (noop) Infof(format string, args ...any) {}
func (noop) Warningf(format string, args ...any) {}
func (noop) Errorf(format string, args ...any) {}
func (noop) Debugf(format string, args ...any) {}
func (n noop) WithValues(Kv) Logger { return n }
func (n noop) WithCtxValues(context.Context) Logger { return n }

type contextKey string

const logCtxKey = contextKey("log")

// CtxWithValues returns a copy of ctx carrying the given values merged on top
// of any values already present.
func CtxWithValues(parent context.Context, kv Kv) context.Context {
	if len(kv) == 0 {
		return parent
	}
	merged := make(Kv, len(kv))
	for k, v := range ValuesFromCtx(parent) {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	return context.WithValue(parent, logCtxKey, merged)
}

// ValuesFromCtx returns the log values stored in ctx.
func ValuesFromCtx(ctx context.Context) Kv {
	if ctx == nil {
		return Kv{}
	}
	v, ok := ctx.Value(logCtxKey).(Kv)
	if !ok {
		return Kv{}
	}
	return v
}
