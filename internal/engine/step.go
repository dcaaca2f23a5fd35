package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shapesmith/internal/backend"
	"shapesmith/internal/dispatch"
	"shapesmith/internal/geom"
	"shapesmith/internal/logging"
	"shapesmith/internal/plan"
	"shapesmith/internal/sandbox"
	"shapesmith/internal/synth"
	"shapesmith/internal/techniques"
	"shapesmith/internal/types"
)

func (x *execution) stepState(i int, op types.Operation, s StepState) {
	logging.EngineDebug("plan %s step %d (%s) -> %s", x.summary.PlanID, i, op.Technique, s)
}

// step runs one operation through dispatch, resolution, the sandbox and the
// backend. It never returns SKIPPED.
func (x *execution) step(ctx context.Context, p *plan.Plan, i int, op types.Operation) types.ExecutionResult {
	start := time.Now()
	res := types.ExecutionResult{Step: i, Technique: op.Technique, Paradigm: op.Paradigm}
	fail := func(err error) types.ExecutionResult {
		res.Status = types.StepFailed
		res.ErrorKind = types.KindOf(err)
		res.Diagnostic = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	x.stepState(i, op, StepDispatching)
	routed := op
	if !op.Paradigm.Concrete() {
		// A registered technique already knows its paradigm.
		if impl, ok := x.engine.registry.Lookup(op.Technique); ok {
			routed.Paradigm = impl.Paradigm
			logging.DispatchDebug("step %d: %s routed by registration to %s", i, op.Technique, impl.Paradigm)
		}
	}
	route, err := x.engine.dispatcher.Route(routed)
	if err != nil {
		return fail(err)
	}
	res.Paradigm = route.Paradigm
	if route.Inferred {
		logging.DispatchDebug("step %d: %s inferred as %s", i, op.Technique, route.Paradigm)
	}

	var target *types.ObjectHandle
	if op.Target != nil {
		h, ok := x.handles[*op.Target]
		if !ok {
			return fail(&types.ResolutionError{Technique: op.Technique, Paradigm: route.Paradigm,
				Reason: fmt.Sprintf("target step%d did not succeed", *op.Target)})
		}
		if h.Paradigm != route.Paradigm {
			return fail(&types.ResolutionError{Technique: op.Technique, Paradigm: route.Paradigm,
				Reason: fmt.Sprintf("target step%d is %s geometry", *op.Target, h.Paradigm)})
		}
		target = h
	}

	x.stepState(i, op, StepResolving)
	impl, fresh, note, err := x.resolve(ctx, p, op, route.Paradigm)
	if err != nil {
		return fail(err)
	}
	res.Origin = impl.Origin

	x.stepState(i, op, StepRunning)
	inv := sandbox.Invocation{
		Step:      i,
		Technique: op.Technique,
		Paradigm:  route.Paradigm,
		Params:    op.Parameters,
		Target:    targetRef(target),
	}
	contribution, err := x.engine.sandbox.Execute(ctx, impl, inv)
	if fresh {
		impl, contribution, err = x.settle(ctx, impl, inv, contribution, err)
		res.Origin = impl.Origin
	}
	if err != nil {
		var sv *types.SandboxViolation
		if errors.As(err, &sv) {
			x.quarantine(impl, route.Paradigm, err)
		}
		return fail(err)
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("%w: before backend call: %v", types.ErrCancelled, err))
	}
	sess, err := x.session(ctx, route)
	if err != nil {
		return fail(x.connectError(ctx, route, err))
	}
	handle, err := sess.CreateOrUpdate(context.WithoutCancel(ctx), backend.CreateRequest{
		Step:         i,
		Technique:    op.Technique,
		Paradigm:     route.Paradigm,
		Params:       op.Parameters,
		Contribution: contribution,
		Target:       target,
	})
	if err != nil {
		return fail(err)
	}

	res.Status = types.StepSucceeded
	res.Handle = handle
	res.Diagnostic = note
	res.Duration = time.Since(start)
	return res
}

// resolve finds the implementation for op. fresh reports a synthesized
// candidate that has not been registered yet; note is a diagnostic for a
// successful step.
func (x *execution) resolve(ctx context.Context, p *plan.Plan, op types.Operation, paradigm types.Paradigm) (impl *types.TechniqueImplementation, fresh bool, note string, err error) {
	if impl, ok := x.engine.registry.Lookup(op.Technique); ok {
		if impl.Paradigm != paradigm {
			return nil, false, "", &types.ResolutionError{Technique: op.Technique, Paradigm: paradigm,
				Reason: fmt.Sprintf("registered implementation targets %s", impl.Paradigm)}
		}
		return impl, false, "", nil
	}
	if x.engine.synth == nil {
		return nil, false, "", &types.ResolutionError{Technique: op.Technique, Paradigm: paradigm,
			Reason: "unknown technique and synthesis is disabled"}
	}

	key := string(paradigm) + "/" + op.Technique
	out, ok := x.synthesized[key]
	if !ok {
		result, err := x.engine.synth.Synthesize(ctx, synth.NewRequest(op, p.Reasoning(), paradigm))
		out = &synthOutcome{result: result, err: err, fresh: err == nil && !result.Rejected}
		x.synthesized[key] = out
	} else {
		logging.EngineDebug("plan %s: reusing synthesis outcome for %s", x.summary.PlanID, key)
	}
	if out.err != nil {
		return nil, false, "", out.err
	}
	if out.result.Rejected {
		if x.engine.config.SubstitutePlaceholders && op.Optional {
			logging.EngineWarn("plan %s: substituting placeholder for %s", x.summary.PlanID, op.Technique)
			return out.result.Impl, false, "placeholder substituted: " + out.result.Diagnostic, nil
		}
		return nil, false, "", &types.SandboxViolation{Technique: op.Technique, Violations: out.result.Violations}
	}
	return out.result.Impl, out.fresh, "", nil
}

// settle registers a synthesized candidate after its first run. A runtime
// sandbox violation keeps it out of the registry. When another session won the
// registration, the step is re-run with the winner.
func (x *execution) settle(ctx context.Context, impl *types.TechniqueImplementation, inv sandbox.Invocation,
	contribution *geom.Contribution, runErr error) (*types.TechniqueImplementation, *geom.Contribution, error) {
	var sv *types.SandboxViolation
	if errors.As(runErr, &sv) {
		return impl, contribution, runErr
	}
	out := x.synthesized[string(inv.Paradigm)+"/"+impl.ID]
	if out != nil {
		out.fresh = false
	}

	winner, err := x.engine.registry.Register(impl)
	switch {
	case err == nil:
		logging.Engine("plan %s: registered synthesized %s", x.summary.PlanID, impl.ID)
		return winner, contribution, runErr
	case errors.Is(err, techniques.ErrConflict):
		logging.Engine("plan %s: %s was registered concurrently, using the winner", x.summary.PlanID, impl.ID)
		if out != nil {
			out.result = &synth.Result{Impl: winner, Attempts: out.result.Attempts}
		}
		if winner.Paradigm != inv.Paradigm {
			return winner, nil, &types.ResolutionError{Technique: impl.ID, Paradigm: inv.Paradigm,
				Reason: fmt.Sprintf("registered implementation targets %s", winner.Paradigm)}
		}
		c, err := x.engine.sandbox.Execute(ctx, winner, inv)
		return winner, c, err
	default:
		logging.EngineWarn("plan %s: could not register %s: %v", x.summary.PlanID, impl.ID, err)
		return impl, contribution, runErr
	}
}

// quarantine drops an implementation that violated the sandbox so neither the
// registry nor this plan uses it again.
func (x *execution) quarantine(impl *types.TechniqueImplementation, paradigm types.Paradigm, err error) {
	if impl.Origin == types.OriginSynthesized {
		if x.engine.registry.Evict(impl.ID, impl.Hash) {
			logging.EngineWarn("plan %s: evicted %s after sandbox violation", x.summary.PlanID, impl.ID)
		}
		x.synthesized[string(paradigm)+"/"+impl.ID] = &synthOutcome{err: err}
	}
}

func (x *execution) connectError(ctx context.Context, route dispatch.Route, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: connecting to %s: %v", types.ErrCancelled, route.Backend.Name(), err)
	}
	if types.KindOf(err) == types.KindTechnique {
		return &types.BackendError{Backend: route.Backend.Name(), Op: "connect", Err: err}
	}
	return err
}

func targetRef(h *types.ObjectHandle) *geom.Ref {
	if h == nil {
		return nil
	}
	return &geom.Ref{HandleID: h.ID, Technique: h.Technique, Bounds: h.Bounds}
}
