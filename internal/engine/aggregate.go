package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"shapesmith/internal/backend"
	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// Delivery is what material and export collaborators receive for a finished
// plan.
type Delivery struct {
	Summary   *types.ExecutionSummary
	Handles   []types.ObjectHandle
	Artifacts []types.ArtifactRef
}

// Sink consumes deliveries.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// LogSink logs every delivery.
var LogSink = SinkFunc(func(ctx context.Context, d Delivery) error {
	for _, a := range d.Artifacts {
		logging.Engine("plan %s: %s artifact %s (%d objects)", d.Summary.PlanID, a.Paradigm, a.URI, len(a.Handles))
	}
	return nil
})

// Aggregator exports a plan's geometry per paradigm and forwards the result to
// the registered sinks.
type Aggregator struct {
	formats map[types.Paradigm]string

	mu    sync.RWMutex
	sinks []Sink
}

// NewAggregator creates an aggregator. Paradigms missing from formats use
// backend.DefaultFormats.
func NewAggregator(formats map[types.Paradigm]string, sinks ...Sink) *Aggregator {
	f := make(map[types.Paradigm]string, len(backend.DefaultFormats))
	for p, format := range backend.DefaultFormats {
		f[p] = format
	}
	for p, format := range formats {
		if format != "" {
			f[p] = format
		}
	}
	return &Aggregator{formats: f, sinks: sinks}
}

// AddSink registers another sink.
func (a *Aggregator) AddSink(s Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, s)
}

// Format returns the export format used for p.
func (a *Aggregator) Format(p types.Paradigm) string {
	return a.formats[p]
}

// Aggregate exports the summary's handles through sessions and delivers the
// result. Failures become summary warnings; the status never changes.
func (a *Aggregator) Aggregate(ctx context.Context, summary *types.ExecutionSummary, sessions map[types.Paradigm]backend.Session) {
	groups := groupHandles(summary.Handles)

	paradigms := make([]types.Paradigm, 0, len(groups))
	for p := range groups {
		paradigms = append(paradigms, p)
	}
	sort.Slice(paradigms, func(i, j int) bool { return paradigms[i] < paradigms[j] })

	for _, p := range paradigms {
		sess, ok := sessions[p]
		if !ok {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("no %s session to export from", p))
			continue
		}
		ref, err := sess.Export(ctx, groups[p], a.formats[p])
		if err != nil {
			logging.EngineWarn("plan %s: %s export failed: %v", summary.PlanID, p, err)
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("%s export failed: %v", p, err))
			continue
		}
		summary.Artifacts = append(summary.Artifacts, ref)
	}

	a.mu.RLock()
	sinks := append([]Sink(nil), a.sinks...)
	a.mu.RUnlock()

	d := Delivery{
		Summary:   summary,
		Handles:   append([]types.ObjectHandle(nil), summary.Handles...),
		Artifacts: append([]types.ArtifactRef(nil), summary.Artifacts...),
	}
	for i, s := range sinks {
		if err := s.Deliver(ctx, d); err != nil {
			logging.EngineWarn("plan %s: sink %d failed: %v", summary.PlanID, i, err)
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("delivery to sink %d failed: %v", i, err))
		}
	}
}

// groupHandles keeps the latest revision of each object, grouped by paradigm
// in first-seen order.
func groupHandles(handles []types.ObjectHandle) map[types.Paradigm][]types.ObjectHandle {
	groups := make(map[types.Paradigm][]types.ObjectHandle)
	index := make(map[string]int)
	for _, h := range handles {
		if i, ok := index[h.ID]; ok {
			groups[h.Paradigm][i] = h
			continue
		}
		index[h.ID] = len(groups[h.Paradigm])
		groups[h.Paradigm] = append(groups[h.Paradigm], h)
	}
	return groups
}
