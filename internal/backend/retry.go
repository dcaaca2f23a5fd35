package backend

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// RetryPolicy bounds every engine call.
type RetryPolicy struct {
	// Timeout applies to each attempt.
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the standard engine call policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	// WithMaxRetries treats zero as unlimited.
	if p.MaxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries)), ctx)
}

// Call runs fn under the policy. Each attempt gets its own timeout; only
// transient BackendErrors are retried. An attempt that overruns the timeout
// counts as a transient failure carrying a TimeoutError.
func Call[T any](ctx context.Context, p RetryPolicy, name, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		v, err := fn(callCtx)
		if err == nil {
			out = v
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &types.BackendError{
				Backend:   name,
				Op:        op,
				Transient: true,
				Err:       &types.TimeoutError{Stage: "backend " + op, Limit: p.Timeout},
			}
		}
		if !types.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		logging.BackendWarn("%s %s attempt %d failed, retrying in %v: %v", name, op, attempt, wait, err)
	})
	return out, err
}

// WithRetry wraps an adapter so every session call runs under p.
func WithRetry(a Adapter, p RetryPolicy) Adapter {
	return &retryAdapter{Adapter: a, policy: p}
}

type retryAdapter struct {
	Adapter
	policy RetryPolicy
}

func (r *retryAdapter) Connect(ctx context.Context) (Session, error) {
	s, err := Call(ctx, r.policy, r.Name(), "connect", r.Adapter.Connect)
	if err != nil {
		return nil, err
	}
	return &retrySession{Session: s, name: r.Name(), policy: r.policy}, nil
}

type retrySession struct {
	Session
	name   string
	policy RetryPolicy
}

func (s *retrySession) CreateOrUpdate(ctx context.Context, req CreateRequest) (*types.ObjectHandle, error) {
	return Call(ctx, s.policy, s.name, "create_or_update", func(ctx context.Context) (*types.ObjectHandle, error) {
		return s.Session.CreateOrUpdate(ctx, req)
	})
}

func (s *retrySession) Export(ctx context.Context, handles []types.ObjectHandle, format string) (types.ArtifactRef, error) {
	return Call(ctx, s.policy, s.name, "export", func(ctx context.Context) (types.ArtifactRef, error) {
		return s.Session.Export(ctx, handles, format)
	})
}

func (s *retrySession) Close(ctx context.Context) error {
	if s.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
	}
	return s.Session.Close(ctx)
}
