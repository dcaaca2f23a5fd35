// Package sandbox runs technique code in a capability-restricted interpreter.
//
// Each invocation gets a fresh yaegi interpreter that can see nothing but the
// geom symbol table (no standard library, no I/O) and a fresh geom.Builder bound
// to the routed paradigm's capability set and primitive budget. Faults inside
// technique code never escape Execute: they come back as typed errors.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"

	"shapesmith/internal/geom"
	"shapesmith/internal/logging"
	"shapesmith/internal/policy"
	"shapesmith/internal/types"
)

// DefaultTimeout is the wall-clock allowance for one invocation.
const DefaultTimeout = 2 * time.Second

// Config controls the sandbox limits.
type Config struct {
	Timeout       time.Duration
	MaxPrimitives int
}

// Invocation is one call of a technique.
type Invocation struct {
	Step      int
	Technique string
	Paradigm  types.Paradigm
	Params    map[string]any
	Target    *geom.Ref
}

// Executor runs technique implementations.
type Executor struct {
	config  Config
	checker *policy.Checker
}

// NewExecutor creates an executor. The checker re-validates every source
// before it is interpreted.
func NewExecutor(cfg Config, checker *policy.Checker) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPrimitives <= 0 {
		cfg.MaxPrimitives = geom.DefaultMaxPrimitives
	}
	return &Executor{config: cfg, checker: checker}
}

type outcome struct {
	contribution *geom.Contribution
	err          error
	panicked     any
	interrupted  bool
	output       string
}

// invocationPath is the package the entry point call reads its arguments
// from. It is registered per interpreter and never importable by techniques.
const invocationPath = "sandbox/invocation"

// Execute interprets impl and returns what it emitted.
//
// Errors: *types.SandboxViolation for allow-list or capability failures,
// *types.TimeoutError when the invocation overruns, types.ErrCancelled when ctx
// is cancelled, and a plain error for any other technique failure.
func (e *Executor) Execute(ctx context.Context, impl *types.TechniqueImplementation, inv Invocation) (*geom.Contribution, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "execute "+impl.ID)
	defer timer.StopWithThreshold(e.config.Timeout / 2)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	if report := e.checker.Check(impl.Source); !report.Safe {
		logging.SandboxWarn("refusing %s: %d policy violations", impl.ID, len(report.Violations))
		return nil, &types.SandboxViolation{Technique: impl.ID, Violations: report.Messages()}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	out := e.run(runCtx, impl, inv)
	if out.interrupted {
		logging.SandboxWarn("%s did not finish within %v", impl.ID, e.config.Timeout)
		return nil, e.interrupted(ctx)
	}

	if out.output != "" {
		logging.SandboxDebug("%s output: %s", impl.ID, out.output)
	}
	if out.panicked != nil {
		return nil, e.classifyPanic(ctx, impl.ID, out.panicked)
	}
	if out.err != nil {
		return nil, out.err
	}
	if len(out.contribution.Solids) == 0 {
		return nil, fmt.Errorf("technique %s emitted no geometry", impl.ID)
	}

	logging.SandboxDebug("%s emitted %d solids using %d primitives", impl.ID, len(out.contribution.Solids), out.contribution.Primitives)
	return out.contribution, nil
}

// run compiles the technique and calls its entry point, both under ctx, so a
// cancelled or timed-out invocation stops executing interpreted code. Every
// panic becomes an outcome.
func (e *Executor) run(ctx context.Context, impl *types.TechniqueImplementation, inv Invocation) (out outcome) {
	var buf bytes.Buffer
	defer func() {
		if r := recover(); r != nil {
			out = outcome{panicked: r}
		}
		out.output = buf.String()
	}()

	builder := geom.NewBuilder(ctx, geom.BuilderOptions{
		Technique:     inv.Technique,
		Paradigm:      inv.Paradigm,
		Target:        inv.Target,
		MaxPrimitives: e.config.MaxPrimitives,
	})
	params := geom.NewParams(inv.Params)

	i := interp.New(interp.Options{Stdout: &buf, Stderr: &buf})
	if err := i.Use(geom.Symbols); err != nil {
		return outcome{err: fmt.Errorf("load technique symbols: %w", err)}
	}
	if err := i.Use(interp.Exports{invocationPath + "/invocation": {
		"Builder": reflect.ValueOf(&builder).Elem(),
		"Params":  reflect.ValueOf(&params).Elem(),
	}}); err != nil {
		return outcome{err: fmt.Errorf("load invocation symbols: %w", err)}
	}
	if _, err := i.EvalWithContext(ctx, impl.Source); err != nil {
		if ctx.Err() != nil {
			return outcome{interrupted: true}
		}
		return outcome{err: fmt.Errorf("compile technique %s: %w", impl.ID, err)}
	}
	if _, err := i.Eval(fmt.Sprintf("import %q", invocationPath)); err != nil {
		return outcome{err: fmt.Errorf("load invocation: %w", err)}
	}

	call := fmt.Sprintf("%s.%s(invocation.Builder, invocation.Params)", policy.PackageName, policy.EntryPoint)
	v, err := i.EvalWithContext(ctx, call)
	if err != nil {
		var p interp.Panic
		switch {
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return outcome{interrupted: true}
		case errors.As(err, &p):
			return outcome{panicked: p.Value}
		default:
			return outcome{err: fmt.Errorf("technique %s has no usable %s: %w", impl.ID, policy.EntryPoint, err)}
		}
	}
	if err := resultError(v); err != nil {
		return outcome{err: fmt.Errorf("technique %s failed: %w", impl.ID, err)}
	}
	return outcome{contribution: builder.Contribution()}
}

// resultError extracts the error returned by the entry point.
func resultError(v reflect.Value) error {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		return nil
	}
	switch r := v.Interface().(type) {
	case nil:
		return nil
	case error:
		return r
	default:
		return fmt.Errorf("%v", r)
	}
}

func (e *Executor) classifyPanic(ctx context.Context, id string, r any) error {
	err, ok := r.(error)
	if !ok {
		return fmt.Errorf("technique %s panicked: %v", id, r)
	}

	var capErr *geom.CapabilityError
	var budgetErr *geom.BudgetError
	var argErr *geom.ArgumentError
	switch {
	case errors.As(err, &capErr):
		return &types.SandboxViolation{Technique: id, Violations: []string{capErr.Error()}}
	case errors.Is(err, geom.ErrAborted):
		return e.interrupted(ctx)
	case errors.As(err, &budgetErr), errors.As(err, &argErr):
		return fmt.Errorf("technique %s failed: %w", id, err)
	default:
		return fmt.Errorf("technique %s panicked: %w", id, err)
	}
}

// interrupted distinguishes caller cancellation from the sandbox deadline.
func (e *Executor) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &types.TimeoutError{Stage: "session", Limit: e.config.Timeout}
		}
		return fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	return &types.TimeoutError{Stage: "sandbox", Limit: e.config.Timeout}
}
