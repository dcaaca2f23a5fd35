package plan

import "shapesmith/internal/types"

// Plan is a validated construction plan. It cannot be modified; accessors
// return copies.
type Plan struct {
	id        string
	reasoning string
	ops       []types.Operation
}

// ID identifies this validated plan.
func (p *Plan) ID() string { return p.id }

// Reasoning is the collaborator's explanation of the plan.
func (p *Plan) Reasoning() string { return p.reasoning }

// Len returns the number of operations.
func (p *Plan) Len() int { return len(p.ops) }

// Operation returns a copy of step i.
func (p *Plan) Operation(i int) types.Operation {
	return p.ops[i].Clone()
}

// Operations returns copies of every step in execution order.
func (p *Plan) Operations() []types.Operation {
	out := make([]types.Operation, len(p.ops))
	for i, op := range p.ops {
		out[i] = op.Clone()
	}
	return out
}

// ConstructionPlan returns the plan in its plain data form.
func (p *Plan) ConstructionPlan() types.ConstructionPlan {
	return types.ConstructionPlan{Reasoning: p.reasoning, Operations: p.Operations()}
}
