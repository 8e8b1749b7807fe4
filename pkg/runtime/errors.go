package runtime

import "errors"

// Failure taxonomy for run execution. Agent-level problems (timeouts, bad
// outputs, provider errors) degrade the run; these sentinels end it.
var (
	// ErrAgentTimeout marks a single agent invocation that exceeded the
	// configured agent timeout. The merge engine is never invoked for it.
	ErrAgentTimeout = errors.New("agent invocation timed out")

	// ErrRunDeadline marks a run that exceeded its overall deadline.
	ErrRunDeadline = errors.New("run deadline exceeded")

	// ErrTokenBudget marks a run that exhausted its provider token budget.
	ErrTokenBudget = errors.New("token budget exhausted")

	// ErrCancelled marks a user-cancelled run, observed at a checkpoint fence.
	ErrCancelled = errors.New("run cancelled")

	// ErrNoSnapshot means the scenario has no state snapshot to run against.
	// Scenario creation writes the initial snapshot, so this is a caller bug.
	ErrNoSnapshot = errors.New("scenario has no state snapshot")
)
