// Package synth writes technique implementations on demand when a plan names a
// technique the registry does not know.
//
// Every candidate is statically checked before it is returned. A rejected
// candidate earns one refined retry carrying the violations; a second rejection
// yields a placeholder so the plan can decide how to proceed.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"shapesmith/internal/assistant"
	"shapesmith/internal/backend"
	"shapesmith/internal/geom"
	"shapesmith/internal/logging"
	"shapesmith/internal/policy"
	"shapesmith/internal/techniques"
	"shapesmith/internal/types"
)

// MaxReasoningChars bounds how much plan reasoning goes into an intent.
const MaxReasoningChars = 400

// Config controls synthesis.
type Config struct {
	// MaxAttempts counts the first request plus refined retries.
	MaxAttempts int
	// Retry governs each assistant round trip; Retry.Timeout is the request timeout.
	Retry backend.RetryPolicy
}

// DefaultConfig returns the standard synthesis settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 2,
		Retry: backend.RetryPolicy{
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

// Request describes the technique to write.
type Request struct {
	TechniqueName     string
	IntentDescription string
	Paradigm          types.Paradigm
	ParameterSchema   types.ParamSchema
}

// NewRequest derives a request from an operation. paradigm is the routed
// paradigm, never UNSPECIFIED.
func NewRequest(op types.Operation, reasoning string, paradigm types.Paradigm) Request {
	return Request{
		TechniqueName:     op.Technique,
		IntentDescription: IntentDescription(reasoning, op.Parameters),
		Paradigm:          paradigm,
		ParameterSchema:   InferSchema(op.Parameters),
	}
}

// IntentDescription joins the truncated plan reasoning with the step's
// parameters in sorted key=value form.
func IntentDescription(reasoning string, params map[string]any) string {
	reasoning = strings.TrimSpace(reasoning)
	if r := []rune(reasoning); len(r) > MaxReasoningChars {
		reasoning = string(r[:MaxReasoningChars])
	}
	desc := geom.NewParams(params).Describe()
	switch {
	case desc == "":
		return reasoning
	case reasoning == "":
		return "parameters: " + desc
	default:
		return reasoning + "\nparameters: " + desc
	}
}

// InferSchema types each parameter after its value. Numbers are always
// "number" so a later plan may pass fractional values.
func InferSchema(params map[string]any) types.ParamSchema {
	schema := make(types.ParamSchema, len(params))
	for name, v := range params {
		var t types.ParamType
		switch v.(type) {
		case bool:
			t = types.ParamBoolean
		case string:
			t = types.ParamString
		default:
			t = types.ParamNumber
		}
		schema[name] = types.ParamSpec{Type: t, Default: v}
	}
	return schema
}

// Result is the outcome of a synthesis that reached the assistant.
type Result struct {
	// Impl is the accepted candidate, or a placeholder when Rejected.
	Impl       *types.TechniqueImplementation
	Rejected   bool
	Violations []string
	Diagnostic string
	Attempts   int
}

// Stats counts synthesis outcomes.
type Stats struct {
	Requests     int64
	Accepted     int64
	Rejected     int64
	Placeholders int64
	Failed       int64
}

// Synthesizer requests and vets technique implementations.
type Synthesizer struct {
	assistant assistant.Assistant
	checker   *policy.Checker
	config    Config
	group     singleflight.Group

	requests     atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
	placeholders atomic.Int64
	failed       atomic.Int64
}

// New creates a synthesizer.
func New(a assistant.Assistant, checker *policy.Checker, cfg Config) *Synthesizer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Synthesizer{assistant: a, checker: checker, config: cfg}
}

// Stats returns a snapshot of the counters.
func (s *Synthesizer) Stats() Stats {
	return Stats{
		Requests:     s.requests.Load(),
		Accepted:     s.accepted.Load(),
		Rejected:     s.rejected.Load(),
		Placeholders: s.placeholders.Load(),
		Failed:       s.failed.Load(),
	}
}

// Synthesize returns an implementation for req. Identical concurrent requests
// share one round trip.
//
// A policy rejection is not an error: the Result is marked Rejected and
// carries a placeholder. Errors are *types.BackendError (possibly wrapping a
// *types.TimeoutError) when the assistant cannot be reached, or wrap
// types.ErrCancelled.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if !req.Paradigm.Concrete() {
		return nil, &types.ResolutionError{Technique: req.TechniqueName, Paradigm: req.Paradigm, Reason: "synthesis needs a concrete paradigm"}
	}
	key := string(req.Paradigm) + "/" + req.TechniqueName
	for {
		v, err, shared := s.group.Do(key, func() (any, error) {
			return s.synthesize(ctx, req)
		})
		// A follower must not inherit the leader's cancellation.
		if shared && errors.Is(err, types.ErrCancelled) && ctx.Err() == nil {
			continue
		}
		if shared {
			logging.SynthDebug("shared synthesis of %s", key)
		}
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	}
}

func (s *Synthesizer) synthesize(ctx context.Context, req Request) (*Result, error) {
	s.requests.Add(1)
	timer := logging.StartTimer(logging.CategorySynth, "synthesize "+req.TechniqueName)
	defer timer.Stop()

	areq := assistant.SynthesisRequest{
		TechniqueName:     req.TechniqueName,
		IntentDescription: req.IntentDescription,
		ParameterSchema:   req.ParameterSchema,
		Paradigm:          req.Paradigm,
	}

	var violations []string
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		resp, err := backend.Call(ctx, s.config.Retry, "assistant", "synthesize_technique",
			func(ctx context.Context) (*assistant.SynthesisResponse, error) {
				return s.assistant.SynthesizeTechnique(ctx, areq)
			})
		if err != nil {
			s.failed.Add(1)
			return nil, s.classify(ctx, req.TechniqueName, err)
		}

		report := s.checker.Check(resp.SourceCode)
		if report.Safe {
			impl := types.NewImplementation(req.TechniqueName, req.Paradigm, types.OriginSynthesized, resp.SourceCode)
			impl.Schema = req.ParameterSchema
			impl.Description = firstLine(req.IntentDescription)
			s.accepted.Add(1)
			logging.Synth("accepted %s for %s on attempt %d", req.TechniqueName, req.Paradigm, attempt)
			return &Result{Impl: impl, Attempts: attempt}, nil
		}

		violations = report.Messages()
		logging.SynthWarn("attempt %d for %s rejected: %s", attempt, req.TechniqueName, strings.Join(violations, "; "))
		areq.Feedback = violations
		areq.PreviousSource = resp.SourceCode
	}

	s.rejected.Add(1)
	s.placeholders.Add(1)
	return &Result{
		Impl:       techniques.Placeholder(req.TechniqueName, req.Paradigm),
		Rejected:   true,
		Violations: violations,
		Diagnostic: fmt.Sprintf("synthesized %s rejected after %d attempts: %s",
			req.TechniqueName, s.config.MaxAttempts, strings.Join(violations, "; ")),
		Attempts: s.config.MaxAttempts,
	}, nil
}

// classify maps an assistant failure onto the error taxonomy.
func (s *Synthesizer) classify(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: synthesis of %s: %v", types.ErrCancelled, id, err)
	}
	if types.KindOf(err) == types.KindTechnique {
		return &types.BackendError{Backend: "assistant", Op: "synthesize_technique", Err: err}
	}
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
