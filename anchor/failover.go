package anchor

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
)

// State is the progress of one failover run
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Executor runs an operation against an ordered provider list. A pinned
// executor holds exactly one provider and never fails over.
type Executor struct {
	providers []provider.Provider
	pinned    bool
	logger    hclog.Logger
}

// NewExecutor creates an executor that fails over across providers in order
func NewExecutor(providers []provider.Provider, logger hclog.Logger) *Executor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Executor{
		providers: append([]provider.Provider(nil), providers...),
		logger:    logger,
	}
}

// NewPinnedExecutor creates an executor bound to a single provider
func NewPinnedExecutor(p provider.Provider, logger hclog.Logger) *Executor {
	e := NewExecutor([]provider.Provider{p}, logger)
	e.pinned = true
	return e
}

// Pinned reports whether the executor is bound to one provider
func (e *Executor) Pinned() bool {
	return e.pinned
}

// Providers returns the provider names in the order they are tried
func (e *Executor) Providers() []string {
	names := make([]string, 0, len(e.providers))
	for _, p := range e.providers {
		names = append(names, p.Name())
	}
	return names
}

// run tracks one pass over the provider list
type run struct {
	op     string
	state  State
	errs   *multierror.Error
	logger hclog.Logger
}

func (r *run) fail(p provider.Provider, err error) {
	r.logger.Warn("provider attempt failed", "provider", p.Name(), "op", r.op, "state", r.state, "error", err)
	r.errs = multierror.Append(r.errs, provider.Wrap(p.Name(), r.op, err))
}

func (r *run) succeed(p provider.Provider) {
	r.state = StateSucceeded
	r.logger.Debug("provider attempt succeeded", "provider", p.Name(), "op", r.op, "state", r.state, "failed_attempts", len(r.errs.WrappedErrors()))
}

func (r *run) exhaust() error {
	r.state = StateExhausted
	r.logger.Warn("all providers failed", "op", r.op, "state", r.state, "attempts", len(r.errs.WrappedErrors()))
	return &AllProvidersFailedError{Op: r.op, Errors: r.errs.WrappedErrors()}
}

// Execute invokes fn once per provider until one succeeds. Pinned executors
// make exactly one call and return its error unchanged; otherwise a total
// failure is reported as *AllProvidersFailedError. Providers are never
// called concurrently.
func Execute[T any](ctx context.Context, e *Executor, op string, fn func(context.Context, provider.Provider) (T, error)) (T, error) {
	var zero T

	if len(e.providers) == 0 {
		return zero, fmt.Errorf("%w: no providers available", ErrConfiguration)
	}

	if e.pinned {
		p := e.providers[0]
		result, err := fn(ctx, p)
		if err != nil {
			e.logger.Warn("provider call failed", "provider", p.Name(), "op", op, "error", err)
			return zero, err
		}
		return result, nil
	}

	r := &run{op: op, state: StatePending, logger: e.logger}
	for _, p := range e.providers {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx, p)
		if err != nil {
			r.fail(p, err)
			continue
		}

		r.succeed(p)
		return result, nil
	}

	return zero, r.exhaust()
}
