package assistant

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoScript is returned when a Scripted assistant has nothing queued.
var ErrNoScript = errors.New("assistant has no scripted response")

// Scripted is a deterministic assistant. Queued responses are consumed in
// order; the last synthesis source keeps being returned once the queue is
// down to one entry. SynthesizeFunc, when set, takes precedence.
type Scripted struct {
	mu      sync.Mutex
	plans   [][]byte
	sources []string
	delay   time.Duration

	SynthesizeFunc func(ctx context.Context, req SynthesisRequest) (*SynthesisResponse, error)

	requests  []SynthesisRequest
	planCalls int
}

// NewScripted creates a scripted assistant answering synthesis requests with
// sources in order.
func NewScripted(sources ...string) *Scripted {
	return &Scripted{sources: sources}
}

// QueuePlan adds a plan response.
func (s *Scripted) QueuePlan(plan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, plan)
}

// SetDelay makes every call wait d (or until ctx is done).
func (s *Scripted) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Scripted) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GeneratePlan returns the next queued plan.
func (s *Scripted) GeneratePlan(ctx context.Context, prompt string) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planCalls++
	if len(s.plans) == 0 {
		return nil, ErrNoScript
	}
	p := s.plans[0]
	s.plans = s.plans[1:]
	return p, nil
}

// SynthesizeTechnique returns the next queued source.
func (s *Scripted) SynthesizeTechnique(ctx context.Context, req SynthesisRequest) (*SynthesisResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.SynthesizeFunc
	s.mu.Unlock()

	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sources) == 0 {
		return nil, ErrNoScript
	}
	src := s.sources[0]
	if len(s.sources) > 1 {
		s.sources = s.sources[1:]
	}
	return &SynthesisResponse{SourceCode: src}, nil
}

// SynthesisCalls returns how many synthesis requests were received.
func (s *Scripted) SynthesisCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns copies of the synthesis requests received.
func (s *Scripted) Requests() []SynthesisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SynthesisRequest(nil), s.requests...)
}

// PlanCalls returns how many plan requests were received.
func (s *Scripted) PlanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planCalls
}
