package synth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"shapesmith/internal/assistant"
	"shapesmith/internal/backend"
	"shapesmith/internal/policy"
	"shapesmith/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const starSource = `package technique

import "geom"

func Build(b *geom.Builder, p geom.Params) error {
	star := b.StarProfile(p.Int("points", 5), 4, 2)
	b.Emit(b.Extrude(star, 1))
	return nil
}
`

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

func testConfig() Config {
	return Config{
		MaxAttempts: 2,
		Retry: backend.RetryPolicy{
			Timeout:         time.Second,
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}
}

func starRequest() Request {
	return NewRequest(types.Operation{
		Technique:  "star_bezel",
		Parameters: map[string]any{"points": int64(6)},
	}, "A star shaped bezel around the stone.", types.ParadigmArtistic)
}

func newSynth(a assistant.Assistant) *Synthesizer {
	return New(a, policy.NewChecker(policy.Config{}), testConfig())
}

func TestSynthesizeAccepted(t *testing.T) {
	a := assistant.NewScripted(starSource)
	s := newSynth(a)

	res, err := s.Synthesize(context.Background(), starRequest())
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, types.OriginSynthesized, res.Impl.Origin)
	assert.Equal(t, types.ParadigmArtistic, res.Impl.Paradigm)
	assert.Equal(t, types.HashSource(starSource), res.Impl.Hash)
	assert.Equal(t, types.ParamNumber, res.Impl.Schema["points"].Type)
	assert.Equal(t, "A star shaped bezel around the stone.", res.Impl.Description)

	reqs := a.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "star_bezel", reqs[0].TechniqueName)
	assert.Contains(t, reqs[0].IntentDescription, "points=6")
	assert.Empty(t, reqs[0].Feedback)

	assert.Equal(t, Stats{Requests: 1, Accepted: 1}, s.Stats())
}

func TestSynthesizeRefinedRetry(t *testing.T) {
	a := assistant.NewScripted(osSource, starSource)
	s := newSynth(a)

	res, err := s.Synthesize(context.Background(), starRequest())
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.Equal(t, 2, res.Attempts)

	reqs := a.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, osSource, reqs[1].PreviousSource)
	require.NotEmpty(t, reqs[1].Feedback)
	assert.Contains(t, strings.Join(reqs[1].Feedback, "\n"), "os")
}

func TestSynthesizeRejectedTwiceYieldsPlaceholder(t *testing.T) {
	a := assistant.NewScripted(osSource)
	s := newSynth(a)

	res, err := s.Synthesize(context.Background(), starRequest())
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, types.OriginPlaceholder, res.Impl.Origin)
	assert.Equal(t, "star_bezel", res.Impl.ID)
	assert.NotEmpty(t, res.Violations)
	assert.Contains(t, res.Diagnostic, "rejected after 2 attempts")
	assert.Equal(t, 2, a.SynthesisCalls())

	st := s.Stats()
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, int64(1), st.Placeholders)
	assert.Equal(t, int64(0), st.Accepted)
}

func TestSynthesizeRetriesTransientFailures(t *testing.T) {
	a := assistant.NewScripted()
	calls := 0
	a.SynthesizeFunc = func(ctx context.Context, req assistant.SynthesisRequest) (*assistant.SynthesisResponse, error) {
		calls++
		if calls < 3 {
			return nil, &types.BackendError{Backend: "assistant", Op: "synthesize", Transient: true, Err: errors.New("503")}
		}
		return &assistant.SynthesisResponse{SourceCode: starSource}, nil
	}
	s := newSynth(a)

	res, err := s.Synthesize(context.Background(), starRequest())
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.Equal(t, 3, calls)
}

func TestSynthesizePermanentFailure(t *testing.T) {
	s := newSynth(assistant.NewScripted())

	_, err := s.Synthesize(context.Background(), starRequest())
	require.Error(t, err)
	assert.Equal(t, types.KindBackend, types.KindOf(err))
	assert.ErrorIs(t, err, assistant.ErrNoScript)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestSynthesizeTimeout(t *testing.T) {
	a := assistant.NewScripted(starSource)
	a.SetDelay(time.Second)
	cfg := testConfig()
	cfg.Retry.Timeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	s := New(a, policy.NewChecker(policy.Config{}), cfg)

	_, err := s.Synthesize(context.Background(), starRequest())
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestSynthesizeCancelled(t *testing.T) {
	a := assistant.NewScripted(starSource)
	a.SetDelay(time.Second)
	s := newSynth(a)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Synthesize(ctx, starRequest())
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestSynthesizeNeedsConcreteParadigm(t *testing.T) {
	s := newSynth(assistant.NewScripted(starSource))
	req := starRequest()
	req.Paradigm = types.ParadigmUnspecified

	_, err := s.Synthesize(context.Background(), req)
	assert.Equal(t, types.KindResolution, types.KindOf(err))
}

func TestSynthesizeCollapsesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	a := assistant.NewScripted()
	a.SynthesizeFunc = func(ctx context.Context, req assistant.SynthesisRequest) (*assistant.SynthesisResponse, error) {
		<-release
		return &assistant.SynthesisResponse{SourceCode: starSource}, nil
	}
	s := newSynth(a)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Synthesize(context.Background(), starRequest())
			if err == nil {
				results[i] = res
			}
		}(i)
	}

	require.Eventually(t, func() bool { return a.SynthesisCalls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, a.SynthesisCalls())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].Impl.Hash, res.Impl.Hash)
	}
	assert.Equal(t, int64(1), s.Stats().Requests)
}

func TestIntentDescription(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := IntentDescription(long, map[string]any{"b": 2.5, "a": "round"})
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], MaxReasoningChars)
	assert.Equal(t, "parameters: a=round b=2.5", lines[1])

	assert.Equal(t, "just this", IntentDescription("  just this ", nil))
	assert.Equal(t, "parameters: n=1", IntentDescription("", map[string]any{"n": int64(1)}))
}

func TestInferSchema(t *testing.T) {
	schema := InferSchema(map[string]any{
		"count":  int64(3),
		"radius": 1.5,
		"style":  "twisted",
		"hollow": true,
	})
	assert.Equal(t, types.ParamNumber, schema["count"].Type)
	assert.Equal(t, types.ParamNumber, schema["radius"].Type)
	assert.Equal(t, types.ParamString, schema["style"].Type)
	assert.Equal(t, types.ParamBoolean, schema["hollow"].Type)
	assert.Equal(t, "twisted", schema["style"].Default)
}
