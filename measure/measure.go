// Package measure wraps units of work in named scopes. Each scope records
// its duration in a prometheus histogram and logs at debug level, and
// nested scopes are named after their path from the root.
package measure

import (
	"context"
	"maps"
	"time"

	"github.com/juju/clock"

	"github.com/xiaonanln/netfabric/util/callcontext"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
)

// Params are attached to a scope's log record.
type Params map[string]any

// Scope is one measured unit of work.
type Scope struct {
	name   string
	params Params
	clock  clock.Clock
	logger *logger.Logger
}

type scopeKey struct{}

// Option configures a root Scope.
type Option func(*Scope)

// WithClock makes the scope and its children time themselves with c.
func WithClock(c clock.Clock) Option {
	return func(s *Scope) { s.clock = c }
}

// WithLogger replaces the default "Measure" logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Scope) { s.logger = l }
}

// NewRoot creates a root scope. Roots are not measured themselves.
func NewRoot(name string, opts ...Option) *Scope {
	s := &Scope{name: name, clock: clock.WallClock, logger: logger.NewLogger("Measure")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var background = NewRoot("")

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the innermost scope of ctx, or an unnamed root.
func FromContext(ctx context.Context) *Scope {
	if s, ok := ctx.Value(scopeKey{}).(*Scope); ok {
		return s
	}
	return background
}

// Name returns the slash separated path of the scope.
func (s *Scope) Name() string {
	return s.name
}

// Params returns a copy of the scope's parameters.
func (s *Scope) Params() Params {
	return maps.Clone(s.params)
}

func (s *Scope) child(name string, params Params) *Scope {
	full := name
	if s.name != "" {
		full = s.name + "/" + name
	}
	return &Scope{name: full, params: params, clock: s.clock, logger: s.logger}
}

// With runs fn inside a child scope of the one carried by ctx. The child
// is reachable from fn's context through FromContext. fn's error is
// returned unchanged.
func With(ctx context.Context, name string, params Params, fn func(ctx context.Context) error) error {
	_, err := WithResult(ctx, name, params, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithResult is With for functions that produce a value.
func WithResult[T any](ctx context.Context, name string, params Params, fn func(ctx context.Context) (T, error)) (T, error) {
	s := FromContext(ctx).child(name, params)
	start := s.clock.Now()
	result, err := fn(NewContext(ctx, s))
	elapsed := s.clock.Now().Sub(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordMeasure(s.name, status, elapsed.Seconds())
	if err != nil {
		s.logger.Debugf("%s failed after %s (client=%s session=%s params=%v): %v",
			s.name, elapsed.Round(time.Microsecond), callcontext.ClientID(ctx), callcontext.SessionID(ctx), s.params, err)
	} else {
		s.logger.Debugf("%s took %s (client=%s session=%s params=%v)",
			s.name, elapsed.Round(time.Microsecond), callcontext.ClientID(ctx), callcontext.SessionID(ctx), s.params)
	}
	return result, err
}
