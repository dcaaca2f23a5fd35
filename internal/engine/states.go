package engine

// PlanState is a stage of plan execution, recorded in the summary's
// Transitions.
type PlanState string

const (
	StatePending            PlanState = "PENDING"             // Received, not yet checked
	StateValidating         PlanState = "VALIDATING"          // Plan validator running
	StateRejected           PlanState = "REJECTED"            // Validation failed, nothing ran
	StateExecuting          PlanState = "EXECUTING"           // Steps running in order
	StateCompleted          PlanState = "COMPLETED"           // Every step succeeded
	StatePartiallyCompleted PlanState = "PARTIALLY_COMPLETED" // Optional steps failed
	StateFailed             PlanState = "FAILED"              // Halted, cancelled or nothing succeeded
	StateAggregating        PlanState = "AGGREGATING"         // Export and delivery
	StateDone               PlanState = "DONE"                // Sessions released
)

// StepState is a stage of one operation.
type StepState string

const (
	StepDispatching StepState = "DISPATCHING" // Choosing the paradigm and backend
	StepResolving   StepState = "RESOLVING"   // Registry lookup or synthesis
	StepRunning     StepState = "RUNNING"     // Sandbox then backend
)
