// Package engine executes validated construction plans: it walks the steps in
// order, resolves and sandboxes each technique, drives the backend engines and
// hands the result to the aggregator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shapesmith/internal/backend"
	"shapesmith/internal/dispatch"
	"shapesmith/internal/logging"
	"shapesmith/internal/plan"
	"shapesmith/internal/sandbox"
	"shapesmith/internal/synth"
	"shapesmith/internal/techniques"
	"shapesmith/internal/types"
)

// Config tunes plan execution.
type Config struct {
	// SubstitutePlaceholders lets an optional step whose synthesis was rejected
	// run the neutral placeholder instead of failing.
	SubstitutePlaceholders bool
	// ExportFormats overrides backend.DefaultFormats per paradigm.
	ExportFormats map[types.Paradigm]string
	// MaxOperations bounds plan length.
	MaxOperations int
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Registry   *techniques.Registry
	Dispatcher *dispatch.Dispatcher
	Sandbox    *sandbox.Executor
	// Synthesizer handles registry misses. Without one a miss is a
	// resolution failure.
	Synthesizer *synth.Synthesizer
	Sinks       []Sink
}

// Engine executes construction plans. It is safe for concurrent use; each
// Execute call owns its handles and backend sessions.
type Engine struct {
	config     Config
	validator  *plan.Validator
	registry   *techniques.Registry
	dispatcher *dispatch.Dispatcher
	sandbox    *sandbox.Executor
	synth      *synth.Synthesizer
	aggregator *Aggregator
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	return &Engine{
		config:     cfg,
		validator:  plan.NewValidator(deps.Registry, plan.Config{MaxOperations: cfg.MaxOperations}),
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		sandbox:    deps.Sandbox,
		synth:      deps.Synthesizer,
		aggregator: NewAggregator(cfg.ExportFormats, deps.Sinks...),
	}
}

// Aggregator returns the engine's output aggregator.
func (e *Engine) Aggregator() *Aggregator { return e.aggregator }

// ExecuteJSON parses and executes a plan in the wire format.
func (e *Engine) ExecuteJSON(ctx context.Context, data []byte) (*types.ExecutionSummary, error) {
	return e.executeJSON(ctx, uuid.NewString(), data)
}

func (e *Engine) executeJSON(ctx context.Context, sessionID string, data []byte) (*types.ExecutionSummary, error) {
	raw, err := plan.Parse(data)
	if err != nil {
		x := e.newExecution(sessionID)
		x.transition(StateValidating)
		return x.reject(&types.ValidationError{Violations: []types.Violation{{Message: err.Error()}}})
	}
	return e.execute(ctx, sessionID, raw)
}

// Execute validates and runs raw. The summary is never nil. The error is a
// *types.ValidationError when the plan is rejected and wraps
// types.ErrPlanFailed when it fails.
func (e *Engine) Execute(ctx context.Context, raw *plan.RawPlan) (*types.ExecutionSummary, error) {
	return e.execute(ctx, uuid.NewString(), raw)
}

func (e *Engine) execute(ctx context.Context, sessionID string, raw *plan.RawPlan) (*types.ExecutionSummary, error) {
	x := e.newExecution(sessionID)
	x.transition(StateValidating)
	p, err := e.validator.Validate(raw)
	if err != nil {
		var ve *types.ValidationError
		if !errors.As(err, &ve) {
			ve = &types.ValidationError{Violations: []types.Violation{{Message: err.Error()}}}
		}
		return x.reject(ve)
	}
	return x.run(ctx, p)
}

// execution is the state of one plan run.
type execution struct {
	engine  *Engine
	start   time.Time
	summary *types.ExecutionSummary

	handles  map[int]*types.ObjectHandle
	sessions map[types.Paradigm]backend.Session
	// synthesized memoizes synthesis per technique for this plan.
	synthesized map[string]*synthOutcome
}

type synthOutcome struct {
	result *synth.Result
	err    error
	// fresh is true until the candidate has been registered.
	fresh bool
}

func (e *Engine) newExecution(sessionID string) *execution {
	x := &execution{
		engine: e,
		start:  time.Now(),
		summary: &types.ExecutionSummary{
			SessionID: sessionID,
			Results:   []types.ExecutionResult{},
			Handles:   []types.ObjectHandle{},
		},
		handles:     make(map[int]*types.ObjectHandle),
		sessions:    make(map[types.Paradigm]backend.Session),
		synthesized: make(map[string]*synthOutcome),
	}
	x.transition(StatePending)
	return x
}

func (x *execution) transition(s PlanState) {
	x.summary.Transitions = append(x.summary.Transitions, string(s))
	logging.EngineDebug("session %s plan %s -> %s", x.summary.SessionID, x.summary.PlanID, s)
}

func (x *execution) reject(ve *types.ValidationError) (*types.ExecutionSummary, error) {
	x.summary.Status = types.PlanRejected
	x.summary.Violations = ve.Violations
	x.transition(StateRejected)
	x.transition(StateDone)
	x.summary.Duration = time.Since(x.start)
	logging.Engine("plan rejected: %d violations", len(ve.Violations))
	return x.summary, ve
}

func (x *execution) run(ctx context.Context, p *plan.Plan) (*types.ExecutionSummary, error) {
	x.summary.PlanID = p.ID()
	x.transition(StateExecuting)
	logging.Engine("plan %s: executing %d steps", p.ID(), p.Len())

	ops := p.Operations()
	var (
		halted    bool
		cancelled bool
		firstErr  string
	)
	for i, op := range ops {
		if halted || cancelled {
			reason := "skipped: an earlier required step failed"
			if cancelled {
				reason = "skipped: execution cancelled"
			}
			x.record(types.ExecutionResult{Step: i, Technique: op.Technique, Paradigm: op.Paradigm, Status: types.StepSkipped, Diagnostic: reason})
			continue
		}
		if err := ctx.Err(); err != nil {
			cancelled = true
			x.record(types.ExecutionResult{Step: i, Technique: op.Technique, Paradigm: op.Paradigm, Status: types.StepSkipped, Diagnostic: "skipped: execution cancelled"})
			continue
		}

		res := x.step(ctx, p, i, op)
		x.record(res)
		if res.Status != types.StepFailed {
			continue
		}
		if firstErr == "" {
			firstErr = fmt.Sprintf("step %d (%s): %s", i, op.Technique, res.Diagnostic)
		}
		switch {
		case res.ErrorKind == types.KindCancelled:
			cancelled = true
		case op.Required():
			halted = true
			logging.EngineWarn("plan %s: required step %d (%s) failed, halting", p.ID(), i, op.Technique)
		default:
			logging.Engine("plan %s: optional step %d (%s) failed, continuing", p.ID(), i, op.Technique)
		}
	}

	succeeded := x.summary.Count(types.StepSucceeded)
	switch {
	case halted || cancelled || succeeded == 0:
		x.summary.Status = types.PlanFailed
		x.transition(StateFailed)
	case succeeded == len(ops):
		x.summary.Status = types.PlanCompleted
		x.transition(StateCompleted)
	default:
		x.summary.Status = types.PlanPartiallyCompleted
		x.transition(StatePartiallyCompleted)
	}

	x.transition(StateAggregating)
	// Backend work from here on must finish even if the caller has gone away.
	detached := context.WithoutCancel(ctx)
	if x.summary.Status != types.PlanFailed {
		x.engine.aggregator.Aggregate(detached, x.summary, x.sessions)
	}
	x.closeSessions(detached)
	x.transition(StateDone)
	x.summary.Duration = time.Since(x.start)

	logging.Engine("plan %s: %s (%d succeeded, %d failed, %d skipped) in %v", p.ID(), x.summary.Status,
		succeeded, x.summary.Count(types.StepFailed), x.summary.Count(types.StepSkipped), x.summary.Duration)

	if x.summary.Status != types.PlanFailed {
		return x.summary, nil
	}
	if cancelled {
		return x.summary, fmt.Errorf("%w: %w", types.ErrPlanFailed, types.ErrCancelled)
	}
	if firstErr == "" {
		firstErr = "no step succeeded"
	}
	return x.summary, fmt.Errorf("%w: %s", types.ErrPlanFailed, firstErr)
}

func (x *execution) record(res types.ExecutionResult) {
	if res.Status == types.StepSucceeded && res.Handle != nil {
		x.handles[res.Step] = res.Handle
		x.summary.Handles = append(x.summary.Handles, *res.Handle)
	}
	if res.Status != types.StepSucceeded {
		res.Handle = nil
	}
	logging.EngineDebug("plan %s step %d (%s) -> %s", x.summary.PlanID, res.Step, res.Technique, res.Status)
	x.summary.Results = append(x.summary.Results, res)
}

func (x *execution) closeSessions(ctx context.Context) {
	for p, sess := range x.sessions {
		if err := sess.Close(ctx); err != nil {
			logging.EngineWarn("plan %s: closing %s session %s: %v", x.summary.PlanID, p, sess.ID(), err)
		}
	}
}

// session returns the plan's session for route, connecting on first use.
func (x *execution) session(ctx context.Context, route dispatch.Route) (backend.Session, error) {
	if s, ok := x.sessions[route.Paradigm]; ok {
		return s, nil
	}
	s, err := route.Backend.Connect(ctx)
	if err != nil {
		return nil, err
	}
	logging.EngineDebug("plan %s: opened %s session %s on %s", x.summary.PlanID, route.Paradigm, s.ID(), route.Backend.Name())
	x.sessions[route.Paradigm] = s
	return s, nil
}
