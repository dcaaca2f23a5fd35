package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// Job is one plan submitted on behalf of a design session.
type Job struct {
	SessionID string
	Plan      []byte
}

// Outcome pairs a job's summary with its error.
type Outcome struct {
	Job     Job
	Summary *types.ExecutionSummary
	Err     error
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Workers   int
	Running   int64
	Completed int64
	Sessions  int
}

// Pool runs plans with one worker per design session: plans of the same
// session run one at a time, and at most Workers sessions run at once.
type Pool struct {
	engine  *Engine
	workers int
	sem     *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*sessionLock

	running   atomic.Int64
	completed atomic.Int64
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewPool creates a pool over e.
func NewPool(e *Engine, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		engine:   e,
		workers:  workers,
		sem:      semaphore.NewWeighted(int64(workers)),
		sessions: make(map[string]*sessionLock),
	}
}

func (p *Pool) lockSession(id string) *sessionLock {
	p.mu.Lock()
	l, ok := p.sessions[id]
	if !ok {
		l = &sessionLock{}
		p.sessions[id] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return l
}

func (p *Pool) unlockSession(id string, l *sessionLock) {
	l.mu.Unlock()
	p.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
}

// Submit runs one plan for sessionID, waiting for the session's earlier plans
// and for a free worker.
func (p *Pool) Submit(ctx context.Context, sessionID string, data []byte) (*types.ExecutionSummary, error) {
	l := p.lockSession(sessionID)
	defer p.unlockSession(sessionID, l)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		logging.PoolDebug("session %s gave up waiting for a worker: %v", sessionID, err)
		return &types.ExecutionSummary{
			SessionID:   sessionID,
			Status:      types.PlanFailed,
			Results:     []types.ExecutionResult{},
			Handles:     []types.ObjectHandle{},
			Transitions: []string{string(StatePending), string(StateFailed), string(StateDone)},
		}, fmt.Errorf("%w: %w", types.ErrPlanFailed, types.ErrCancelled)
	}
	defer p.sem.Release(1)

	p.running.Add(1)
	defer p.running.Add(-1)
	logging.PoolDebug("session %s: worker acquired", sessionID)

	summary, err := p.engine.executeJSON(ctx, sessionID, data)
	p.completed.Add(1)
	return summary, err
}

// RunBatch runs independent jobs concurrently, bounded by the pool size.
// Outcomes are returned in job order; one job's failure never stops another.
func (p *Pool) RunBatch(ctx context.Context, jobs []Job) []Outcome {
	out := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, job := range jobs {
		g.Go(func() error {
			summary, err := p.Submit(gctx, job.SessionID, job.Plan)
			out[i] = Outcome{Job: job, Summary: summary, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	sessions := len(p.sessions)
	p.mu.Unlock()
	return PoolStats{
		Workers:   p.workers,
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Sessions:  sessions,
	}
}
