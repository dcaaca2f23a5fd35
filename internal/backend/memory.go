package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// Memory is an in-process geometry engine. It materializes contributions as
// bounding boxes, which is enough for sequencing, targeting and export.
type Memory struct {
	name     string
	paradigm types.Paradigm

	available atomic.Bool

	mu         sync.Mutex
	failures   []error
	connectErr error
	delay      time.Duration

	sessions atomic.Int64
	creates  atomic.Int64
	exports  atomic.Int64
	open     atomic.Int64
}

// NewMemory creates an available in-process engine for paradigm.
func NewMemory(paradigm types.Paradigm) *Memory {
	m := &Memory{name: "memory-" + string(paradigm), paradigm: paradigm}
	m.available.Store(true)
	return m
}

func (m *Memory) Name() string            { return m.name }
func (m *Memory) Paradigm() types.Paradigm { return m.paradigm }
func (m *Memory) Available() bool          { return m.available.Load() }

// SetAvailable toggles availability.
func (m *Memory) SetAvailable(v bool) { m.available.Store(v) }

// FailNext makes the next n CreateOrUpdate calls fail. Transient failures are
// eligible for retry.
func (m *Memory) FailNext(n int, transient bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, &types.BackendError{
			Backend:   m.name,
			Op:        "create_or_update",
			Transient: transient,
			Err:       errors.New("injected failure"),
		})
	}
}

// FailConnect makes Connect return err until cleared with nil.
func (m *Memory) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetDelay makes every CreateOrUpdate take at least d.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Sessions returns how many sessions were opened.
func (m *Memory) Sessions() int { return int(m.sessions.Load()) }

// OpenSessions returns how many sessions are still open.
func (m *Memory) OpenSessions() int { return int(m.open.Load()) }

// Creates returns how many CreateOrUpdate calls succeeded.
func (m *Memory) Creates() int { return int(m.creates.Load()) }

// Exports returns how many exports succeeded.
func (m *Memory) Exports() int { return int(m.exports.Load()) }

// Connect opens a new session.
func (m *Memory) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.Available() {
		return nil, &types.BackendError{Backend: m.name, Op: "connect", Transient: true, Err: errors.New("engine unavailable")}
	}
	m.mu.Lock()
	err := m.connectErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &memorySession{
		id:      uuid.NewString(),
		engine:  m,
		objects: make(map[string]*types.ObjectHandle),
	}
	m.sessions.Add(1)
	m.open.Add(1)
	logging.BackendDebug("%s: session %s opened", m.name, s.id)
	return s, nil
}

func (m *Memory) nextFault() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) == 0 {
		return m.delay, nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return m.delay, err
}

type memorySession struct {
	id     string
	engine *Memory

	mu      sync.Mutex
	objects map[string]*types.ObjectHandle
	closed  bool
}

func (s *memorySession) ID() string { return s.id }

func (s *memorySession) CreateOrUpdate(ctx context.Context, req CreateRequest) (*types.ObjectHandle, error) {
	delay, fault := s.engine.nextFault()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &types.BackendError{Backend: s.engine.name, Op: "create_or_update", Transient: true, Err: ctx.Err()}
		}
	}
	if fault != nil {
		return nil, fault
	}
	if req.Contribution == nil || len(req.Contribution.Solids) == 0 {
		return nil, s.permanent("create_or_update", errors.New("empty contribution"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.permanent("create_or_update", ErrSessionClosed)
	}

	bounds := req.Contribution.Bounds()
	if req.Target != nil {
		target, ok := s.objects[req.Target.ID]
		if !ok {
			return nil, s.permanent("create_or_update", fmt.Errorf("unknown target handle %s", req.Target.ID))
		}
		if InPlace(req.Contribution) {
			target.Revision++
			target.Bounds = bounds
			h := *target
			h.Step = req.Step
			h.Technique = req.Technique
			s.engine.creates.Add(1)
			logging.BackendDebug("%s: updated %s in place (revision %d)", s.engine.name, h.ID, h.Revision)
			return &h, nil
		}
	}

	h := &types.ObjectHandle{
		ID:        uuid.NewString(),
		Backend:   s.engine.name,
		Paradigm:  s.engine.paradigm,
		Technique: req.Technique,
		Step:      req.Step,
		Bounds:    bounds,
	}
	stored := *h
	s.objects[h.ID] = &stored
	s.engine.creates.Add(1)
	logging.BackendDebug("%s: created %s for step %d (%s)", s.engine.name, h.ID, req.Step, req.Technique)
	return h, nil
}

func (s *memorySession) Export(ctx context.Context, handles []types.ObjectHandle, format string) (types.ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return types.ArtifactRef{}, s.transient("export", err)
	}
	if !supportsFormat(s.engine.paradigm, format) {
		return types.ArtifactRef{}, s.permanent("export", fmt.Errorf("unsupported format %q", format))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ArtifactRef{}, s.permanent("export", ErrSessionClosed)
	}

	ref := types.ArtifactRef{
		Backend:  s.engine.name,
		Paradigm: s.engine.paradigm,
		Format:   format,
		URI:      fmt.Sprintf("mem://%s/%s", s.id, format),
	}
	seen := make(map[string]bool, len(handles))
	for _, h := range handles {
		if _, ok := s.objects[h.ID]; !ok {
			return types.ArtifactRef{}, s.permanent("export", fmt.Errorf("handle %s does not belong to session", h.ID))
		}
		if !seen[h.ID] {
			seen[h.ID] = true
			ref.Handles = append(ref.Handles, h.ID)
		}
	}
	s.engine.exports.Add(1)
	return ref, nil
}

func (s *memorySession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.objects = nil
	s.engine.open.Add(-1)
	logging.BackendDebug("%s: session %s closed", s.engine.name, s.id)
	return nil
}

func (s *memorySession) permanent(op string, err error) error {
	return &types.BackendError{Backend: s.engine.name, Op: op, Err: err}
}

func (s *memorySession) transient(op string, err error) error {
	return &types.BackendError{Backend: s.engine.name, Op: op, Transient: true, Err: err}
}
