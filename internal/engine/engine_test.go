package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"shapesmith/internal/assistant"
	"shapesmith/internal/backend"
	"shapesmith/internal/dispatch"
	"shapesmith/internal/policy"
	"shapesmith/internal/sandbox"
	"shapesmith/internal/synth"
	"shapesmith/internal/techniques"
	"shapesmith/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const starSource = `package technique

import "geom"

func Build(b *geom.Builder, p geom.Params) error {
	star := b.StarProfile(p.Int("points", 5), 4, 2)
	b.Emit(b.Twist(b.Extrude(star, 1), 15))
	return nil
}
`

// osSource fails the static allow-list.
const osSource = `package technique

import (
	"geom"
	"os"
)

func Build(b *geom.Builder, p geom.Params) error {
	os.Exit(1)
	return nil
}
`

// filletSource passes the allow-list but uses a PRECISION-only operation.
const filletSource = `package technique

import "geom"

func Build(b *geom.Builder, p geom.Params) error {
	b.Emit(b.Fillet(b.Box(2, 2, 2), 0.5))
	return nil
}
`

const scenarioA = `{
  "reasoning": "Solitaire: a plain band with a round one carat stone on top.",
  "operations": [
    {"technique": "ring_band", "paradigm": "precision", "parameters": {"diameter": 18.0, "thickness": 2.0}},
    {"technique": "center_stone", "paradigm": "precision", "parameters": {"carat": 1.0, "cut": "round"}, "target": "step0"}
  ]
}`

const scenarioB = `{
  "reasoning": "A star shaped bezel.",
  "operations": [
    {"technique": "star_bezel", "paradigm": "artistic", "parameters": {"points": 6}}
  ]
}`

const bandThenOptionalStar = `{
  "reasoning": "Band with an optional star ornament.",
  "operations": [
    {"technique": "ring_band", "paradigm": "precision", "parameters": {"diameter": 17}},
    {"technique": "star_bezel", "paradigm": "artistic", "parameters": {"points": 6}, "optional": true}
  ]
}`

type harness struct {
	registry  *techniques.Registry
	precision *backend.Memory
	artistic  *backend.Memory
	assistant *assistant.Scripted
	synth     *synth.Synthesizer
	engine    *Engine

	mu         sync.Mutex
	deliveries []Delivery
}

func fastRetry() backend.RetryPolicy {
	return backend.RetryPolicy{
		Timeout:         time.Second,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, sources ...string) *harness {
	t.Helper()
	registry, err := techniques.NewCatalogRegistry()
	require.NoError(t, err)

	h := &harness{
		registry:  registry,
		precision: backend.NewMemory(types.ParadigmPrecision),
		artistic:  backend.NewMemory(types.ParadigmArtistic),
		assistant: assistant.NewScripted(sources...),
	}
	checker := policy.NewChecker(policy.Config{})
	h.synth = synth.New(h.assistant, checker, synth.Config{MaxAttempts: 2, Retry: fastRetry()})
	dispatcher := dispatch.New(map[types.Paradigm]backend.Adapter{
		types.ParadigmPrecision: backend.WithRetry(h.precision, fastRetry()),
		types.ParadigmArtistic:  backend.WithRetry(h.artistic, fastRetry()),
	}, types.ParadigmPrecision)

	h.engine = New(cfg, Deps{
		Registry:    registry,
		Dispatcher:  dispatcher,
		Sandbox:     sandbox.NewExecutor(sandbox.Config{}, checker),
		Synthesizer: h.synth,
		Sinks: []Sink{SinkFunc(func(ctx context.Context, d Delivery) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.deliveries = append(h.deliveries, d)
			return nil
		})},
	})
	return h
}

func (h *harness) run(t *testing.T, plan string) (*types.ExecutionSummary, error) {
	t.Helper()
	summary, err := h.engine.ExecuteJSON(context.Background(), []byte(plan))
	require.NotNil(t, summary)
	return summary, err
}

func (h *harness) delivered() []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Delivery(nil), h.deliveries...)
}

func statuses(s *types.ExecutionSummary) []types.StepStatus {
	out := make([]types.StepStatus, len(s.Results))
	for i, r := range s.Results {
		out[i] = r.Status
	}
	return out
}

func TestScenarioA(t *testing.T) {
	h := newHarness(t, Config{})

	summary, err := h.run(t, scenarioA)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, summary.Status)
	assert.NotEmpty(t, summary.PlanID)
	require.Len(t, summary.Handles, 2)
	for _, handle := range summary.Handles {
		assert.Equal(t, types.ParadigmPrecision, handle.Paradigm)
		assert.Equal(t, "memory-precision", handle.Backend)
	}
	assert.NotEqual(t, summary.Handles[0].ID, summary.Handles[1].ID)
	assert.Equal(t, "center_stone", summary.Handles[1].Technique)
	assert.InDelta(t, summary.Handles[0].Bounds.MaxZ, summary.Handles[1].Bounds.MinZ, 1e-9, "stone sits on the band")

	for _, r := range summary.Results {
		assert.Equal(t, types.StepSucceeded, r.Status)
		assert.Equal(t, types.OriginRegistry, r.Origin)
		assert.Equal(t, types.ParadigmPrecision, r.Paradigm)
	}

	want := []string{"PENDING", "VALIDATING", "EXECUTING", "COMPLETED", "AGGREGATING", "DONE"}
	if diff := cmp.Diff(want, summary.Transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, summary.Artifacts, 1)
	assert.Equal(t, "step", summary.Artifacts[0].Format)
	assert.True(t, strings.HasPrefix(summary.Artifacts[0].URI, "mem://"))
	assert.Len(t, summary.Artifacts[0].Handles, 2)

	assert.Equal(t, 2, h.precision.Creates())
	assert.Equal(t, 0, h.artistic.Sessions())
	assert.Equal(t, 0, h.precision.OpenSessions(), "sessions close after aggregation")
	assert.Equal(t, 0, h.assistant.SynthesisCalls())

	deliveries := h.delivered()
	require.Len(t, deliveries, 1)
	assert.Len(t, deliveries[0].Handles, 2)
	assert.Len(t, deliveries[0].Artifacts, 1)
}

func TestScenarioBSynthesizesOnce(t *testing.T) {
	h := newHarness(t, Config{}, starSource)
	before := h.registry.Len()

	summary, err := h.run(t, scenarioB)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, summary.Status)
	assert.Equal(t, 1, h.assistant.SynthesisCalls())
	assert.Equal(t, before+1, h.registry.Len())

	r := summary.Results[0]
	assert.Equal(t, types.StepSucceeded, r.Status)
	assert.Equal(t, types.OriginSynthesized, r.Origin)
	assert.Equal(t, types.ParadigmArtistic, r.Paradigm)
	require.NotNil(t, r.Handle)
	assert.Equal(t, "memory-artistic", r.Handle.Backend)

	impl, ok := h.registry.Lookup("star_bezel")
	require.True(t, ok)
	assert.Equal(t, types.OriginSynthesized, impl.Origin)
	assert.Equal(t, types.HashSource(starSource), impl.Hash)

	// The registered implementation is reused without another round trip.
	summary, err = h.run(t, scenarioB)
	require.NoError(t, err)
	assert.Equal(t, types.OriginSynthesized, summary.Results[0].Origin)
	assert.Equal(t, 1, h.assistant.SynthesisCalls())
}

func TestSynthesizedTechniqueAcceptsNewParameters(t *testing.T) {
	h := newHarness(t, Config{}, starSource)
	_, err := h.run(t, scenarioB)
	require.NoError(t, err)

	summary, err := h.run(t, `{
	  "reasoning": "A deeper star bezel with a label.",
	  "operations": [
	    {"technique": "star_bezel", "paradigm": "artistic", "parameters": {"points": 6.5, "depth": 2, "label": "north"}}
	  ]
	}`)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, summary.Status)
	assert.Empty(t, summary.Violations)
	assert.Equal(t, 1, h.assistant.SynthesisCalls())
}

func TestUnspecifiedParadigmFollowsRegistration(t *testing.T) {
	h := newHarness(t, Config{})
	// "bezel" alone would infer PRECISION.
	h.registry.MustRegister(types.NewImplementation("bezel_star", types.ParadigmArtistic, types.OriginRegistry, starSource))

	summary, err := h.run(t, `{
	  "reasoning": "A star bezel without a declared paradigm.",
	  "operations": [
	    {"technique": "bezel_star", "parameters": {"points": 6}}
	  ]
	}`)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, summary.Status)
	assert.Equal(t, types.ParadigmArtistic, summary.Results[0].Paradigm)
	assert.Equal(t, types.OriginRegistry, summary.Results[0].Origin)
	assert.Equal(t, 0, h.assistant.SynthesisCalls())
}

func TestRepeatedUnknownTechniqueInOnePlan(t *testing.T) {
	h := newHarness(t, Config{}, starSource)

	summary, err := h.run(t, `{
	  "reasoning": "Two star bezels.",
	  "operations": [
	    {"technique": "star_bezel", "paradigm": "artistic", "parameters": {"points": 5}},
	    {"technique": "star_bezel", "paradigm": "artistic", "parameters": {"points": 7}}
	  ]
	}`)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, summary.Status)
	assert.Equal(t, 1, h.assistant.SynthesisCalls())
}

func TestScenarioCRequiredStep(t *testing.T) {
	h := newHarness(t, Config{}, osSource)
	before := h.registry.Len()

	summary, err := h.run(t, scenarioB)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPlanFailed)
	assert.Equal(t, types.PlanFailed, summary.Status)

	r := summary.Results[0]
	assert.Equal(t, types.StepFailed, r.Status)
	assert.Equal(t, types.KindSandboxViolation, r.ErrorKind)
	assert.Nil(t, r.Handle)
	assert.Contains(t, r.Diagnostic, "os")

	assert.Equal(t, before, h.registry.Len())
	assert.Equal(t, 2, h.assistant.SynthesisCalls(), "one refined retry")
	assert.Empty(t, h.delivered())
}

func TestScenarioCOptionalStep(t *testing.T) {
	h := newHarness(t, Config{}, osSource)
	before := h.registry.Len()

	summary, err := h.run(t, bandThenOptionalStar)
	require.NoError(t, err)
	assert.Equal(t, types.PlanPartiallyCompleted, summary.Status)
	assert.Equal(t, []types.StepStatus{types.StepSucceeded, types.StepFailed}, statuses(summary))
	assert.Equal(t, types.KindSandboxViolation, summary.Results[1].ErrorKind)
	assert.Len(t, summary.Handles, 1)
	assert.Equal(t, before, h.registry.Len())
	assert.Len(t, h.delivered(), 1)
}

func TestRuntimeViolationKeepsCandidateOut(t *testing.T) {
	h := newHarness(t, Config{}, filletSource)
	before := h.registry.Len()

	summary, err := h.run(t, bandThenOptionalStar)
	require.NoError(t, err)
	assert.Equal(t, types.PlanPartiallyCompleted, summary.Status)
	r := summary.Results[1]
	assert.Equal(t, types.KindSandboxViolation, r.ErrorKind)
	assert.Contains(t, r.Diagnostic, "Fillet")
	assert.Equal(t, before, h.registry.Len())
	_, ok := h.registry.Lookup("star_bezel")
	assert.False(t, ok)
}

func TestPlaceholderSubstitution(t *testing.T) {
	h := newHarness(t, Config{SubstitutePlaceholders: true}, osSource)
	before := h.registry.Len()

	summary, err := h.run(t, bandThenOptionalStar)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, summary.Status)
	r := summary.Results[1]
	assert.Equal(t, types.StepSucceeded, r.Status)
	assert.Equal(t, types.OriginPlaceholder, r.Origin)
	assert.Contains(t, r.Diagnostic, "placeholder substituted")
	assert.Equal(t, before, h.registry.Len())

	// Required steps never get a placeholder.
	summary, err = h.run(t, scenarioB)
	require.Error(t, err)
	assert.Equal(t, types.KindSandboxViolation, summary.Results[0].ErrorKind)
}

func TestRequiredFailureHalts(t *testing.T) {
	h := newHarness(t, Config{})
	h.artistic.SetAvailable(false)

	summary, err := h.run(t, `{
	  "reasoning": "Band, then an artistic twist that cannot run, then a stone.",
	  "operations": [
	    {"technique": "ring_band", "paradigm": "precision"},
	    {"technique": "organic_twist", "paradigm": "artistic"},
	    {"technique": "center_stone", "paradigm": "precision", "target": 0}
	  ]
	}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPlanFailed)
	assert.Equal(t, types.PlanFailed, summary.Status)
	assert.Equal(t, []types.StepStatus{types.StepSucceeded, types.StepFailed, types.StepSkipped}, statuses(summary))
	assert.Equal(t, types.KindResolution, summary.Results[1].ErrorKind)
	require.Len(t, summary.Handles, 1, "prior handles are reported")
	assert.Equal(t, "ring_band", summary.Handles[0].Technique)

	assert.Equal(t, 1, h.precision.Creates(), "no fallback to another backend")
	assert.Equal(t, 0, h.precision.Exports())
	assert.Equal(t, 0, h.precision.OpenSessions())
	assert.Empty(t, summary.Artifacts)
	assert.Contains(t, summary.Transitions, "FAILED")
}

func TestNoStepSucceededFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.precision.SetAvailable(false)

	summary, err := h.run(t, `{"reasoning": "r", "operations": [
		{"technique": "ring_band", "optional": true},
		{"technique": "bore_hole", "optional": true}
	]}`)
	assert.ErrorIs(t, err, types.ErrPlanFailed)
	assert.Equal(t, types.PlanFailed, summary.Status)
	assert.Equal(t, 2, summary.Count(types.StepFailed))
}

func TestTargetOfFailedStep(t *testing.T) {
	h := newHarness(t, Config{}, osSource)

	summary, err := h.run(t, `{"reasoning": "r", "operations": [
		{"technique": "ring_band"},
		{"technique": "star_bezel", "paradigm": "artistic", "optional": true},
		{"technique": "bore_hole", "target": 1, "optional": true}
	]}`)
	require.NoError(t, err)
	assert.Equal(t, types.PlanPartiallyCompleted, summary.Status)
	r := summary.Results[2]
	assert.Equal(t, types.StepFailed, r.Status)
	assert.Equal(t, types.KindResolution, r.ErrorKind)
	assert.Contains(t, r.Diagnostic, "step1 did not succeed")
}

func TestCrossParadigmTarget(t *testing.T) {
	h := newHarness(t, Config{})

	summary, err := h.run(t, `{"reasoning": "r", "operations": [
		{"technique": "ring_band"},
		{"technique": "hammered_texture", "target": 0, "optional": true}
	]}`)
	require.NoError(t, err)
	assert.Equal(t, types.KindResolution, summary.Results[1].ErrorKind)
	assert.Contains(t, summary.Results[1].Diagnostic, "PRECISION geometry")
}

func TestInPlaceUpdateKeepsHandle(t *testing.T) {
	h := newHarness(t, Config{})

	summary, err := h.run(t, `{"reasoning": "r", "operations": [
		{"technique": "flange_plate"},
		{"technique": "bore_hole", "target": "step0", "parameters": {"diameter": 4}}
	]}`)
	require.NoError(t, err)
	require.Len(t, summary.Handles, 2)
	assert.Equal(t, summary.Handles[0].ID, summary.Handles[1].ID)
	assert.Equal(t, 0, summary.Handles[0].Revision)
	assert.Equal(t, 1, summary.Handles[1].Revision)
	assert.Equal(t, "bore_hole", summary.Handles[1].Technique)

	require.Len(t, summary.Artifacts, 1)
	assert.Equal(t, []string{summary.Handles[0].ID}, summary.Artifacts[0].Handles)
}

func TestMixedParadigmsExportSeparately(t *testing.T) {
	h := newHarness(t, Config{ExportFormats: map[types.Paradigm]string{types.ParadigmArtistic: "glb"}})

	summary, err := h.run(t, `{"reasoning": "r", "operations": [
		{"technique": "ring_band"},
		{"technique": "leaf_relief"}
	]}`)
	require.NoError(t, err)
	assert.Equal(t, types.ParadigmArtistic, summary.Results[1].Paradigm)
	require.Len(t, summary.Artifacts, 2)
	assert.Equal(t, types.ParadigmArtistic, summary.Artifacts[0].Paradigm)
	assert.Equal(t, "glb", summary.Artifacts[0].Format)
	assert.Equal(t, "step", summary.Artifacts[1].Format)
}

func TestRejectedPlanRunsNothing(t *testing.T) {
	h := newHarness(t, Config{})

	summary, err := h.run(t, `{"operations": [{"technique": "ring_band", "target": 3}]}`)
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, types.PlanRejected, summary.Status)
	assert.Len(t, summary.Violations, 2)
	assert.Empty(t, summary.Results)
	assert.Equal(t, []string{"PENDING", "VALIDATING", "REJECTED", "DONE"}, summary.Transitions)
	assert.Equal(t, 0, h.precision.Sessions())

	summary, err = h.run(t, `not json`)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, types.PlanRejected, summary.Status)
}

func TestBackendFaults(t *testing.T) {
	h := newHarness(t, Config{})
	h.precision.FailNext(1, true)

	summary, err := h.run(t, scenarioA)
	require.NoError(t, err, "transient faults are retried")
	assert.Equal(t, types.PlanCompleted, summary.Status)

	h.precision.FailNext(1, false)
	summary, err = h.run(t, scenarioA)
	require.Error(t, err)
	assert.Equal(t, types.KindBackend, summary.Results[0].ErrorKind)
	assert.Equal(t, types.StepSkipped, summary.Results[1].Status)
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.precision.FailConnect(errors.New("license server down"))

	summary, err := h.run(t, scenarioA)
	require.Error(t, err)
	assert.Equal(t, types.KindBackend, summary.Results[0].ErrorKind)
	assert.Contains(t, summary.Results[0].Diagnostic, "license server down")
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.engine.ExecuteJSON(ctx, []byte(scenarioA))
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.ErrorIs(t, err, types.ErrPlanFailed)
	assert.Equal(t, types.PlanFailed, summary.Status)
	assert.Equal(t, []types.StepStatus{types.StepSkipped, types.StepSkipped}, statuses(summary))
	assert.Equal(t, 0, h.precision.Sessions())
}

func TestCancelledDuringSynthesis(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.assistant.SynthesizeFunc = func(ctx context.Context, req assistant.SynthesisRequest) (*assistant.SynthesisResponse, error) {
		cancel()
		return nil, ctx.Err()
	}

	summary, err := h.engine.ExecuteJSON(ctx, []byte(`{"reasoning": "r", "operations": [
		{"technique": "ring_band"},
		{"technique": "star_bezel", "paradigm": "artistic", "optional": true},
		{"technique": "bore_hole", "target": 0}
	]}`))
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, types.PlanFailed, summary.Status)
	assert.Equal(t, []types.StepStatus{types.StepSucceeded, types.StepFailed, types.StepSkipped}, statuses(summary))
	assert.Equal(t, types.KindCancelled, summary.Results[1].ErrorKind)
	assert.Len(t, summary.Handles, 1)
	assert.Equal(t, 0, h.precision.OpenSessions())
}

// cancelOnCreate cancels the plan as soon as a backend mutation starts.
type cancelOnCreate struct {
	backend.Adapter
	cancel context.CancelFunc
}

func (c *cancelOnCreate) Connect(ctx context.Context) (backend.Session, error) {
	s, err := c.Adapter.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &cancelOnCreateSession{Session: s, cancel: c.cancel}, nil
}

type cancelOnCreateSession struct {
	backend.Session
	cancel context.CancelFunc
}

func (s *cancelOnCreateSession) CreateOrUpdate(ctx context.Context, req backend.CreateRequest) (*types.ObjectHandle, error) {
	s.cancel()
	return s.Session.CreateOrUpdate(ctx, req)
}

func TestBackendMutationIgnoresCancellation(t *testing.T) {
	registry, err := techniques.NewCatalogRegistry()
	require.NoError(t, err)
	precision := backend.NewMemory(types.ParadigmPrecision)
	precision.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(Config{}, Deps{
		Registry: registry,
		Dispatcher: dispatch.New(map[types.Paradigm]backend.Adapter{
			types.ParadigmPrecision: &cancelOnCreate{Adapter: precision, cancel: cancel},
		}, types.ParadigmPrecision),
		Sandbox: sandbox.NewExecutor(sandbox.Config{}, policy.NewChecker(policy.Config{})),
	})

	summary, err := e.ExecuteJSON(ctx, []byte(scenarioA))
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, []types.StepStatus{types.StepSucceeded, types.StepSkipped}, statuses(summary))
	require.NotNil(t, summary.Results[0].Handle)
	assert.Equal(t, 1, precision.Creates())
	assert.Equal(t, 0, precision.OpenSessions())
}

func TestExecutionIsDeterministic(t *testing.T) {
	h := newHarness(t, Config{})
	first, err := h.run(t, scenarioA)
	require.NoError(t, err)
	second, err := h.run(t, scenarioA)
	require.NoError(t, err)

	opts := []cmp.Option{
		cmpopts.IgnoreFields(types.ExecutionResult{}, "Duration"),
		cmpopts.IgnoreFields(types.ObjectHandle{}, "ID"),
	}
	if diff := cmp.Diff(first.Results, second.Results, opts...); diff != "" {
		t.Errorf("results differ between runs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Transitions, second.Transitions); diff != "" {
		t.Errorf("transitions differ (-first +second):\n%s", diff)
	}
}

func TestSynthesisDisabled(t *testing.T) {
	registry, err := techniques.NewCatalogRegistry()
	require.NoError(t, err)
	e := New(Config{}, Deps{
		Registry: registry,
		Dispatcher: dispatch.New(map[types.Paradigm]backend.Adapter{
			types.ParadigmArtistic: backend.NewMemory(types.ParadigmArtistic),
		}, types.ParadigmArtistic),
		Sandbox: sandbox.NewExecutor(sandbox.Config{}, policy.NewChecker(policy.Config{})),
	})

	summary, err := e.ExecuteJSON(context.Background(), []byte(scenarioB))
	require.Error(t, err)
	assert.Equal(t, types.KindResolution, summary.Results[0].ErrorKind)
	assert.Contains(t, summary.Results[0].Diagnostic, "synthesis is disabled")
}
