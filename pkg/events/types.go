// Package events provides the run event stream: typed events persisted to the
// store with a per-run monotonic sequence, fanned out to in-process
// subscribers for SSE delivery. The sequence number doubles as the SSE event
// ID, so reconnecting clients replay missed events via Last-Event-ID.
package events

import "time"

// Persistent event types. Every event is stored before it is broadcast.
const (
	// Run lifecycle
	EventTypeRunStarted   = "run_started"
	EventTypeRunResumed   = "run_resumed"
	EventTypeRunCompleted = "run_completed"
	EventTypeRunBlocked   = "run_blocked"
	EventTypeRunFailed    = "run_failed"

	// Agent turn lifecycle
	EventTypeAgentStarted   = "agent_started"
	EventTypeAgentProgress  = "agent_progress"
	EventTypeAgentCompleted = "agent_completed"
	EventTypeAgentFailed    = "agent_failed"
	EventTypeAgentSkipped   = "agent_skipped"

	// State changes
	EventTypeStateCheckpointed = "state_checkpointed"
	EventTypeNodeCreated       = "node_created"
	EventTypeNodeUpdated       = "node_updated"
	EventTypeValidatorWarning  = "validator_warning"
)

// EventTypeLagged is delivered in-stream (never persisted) when a subscriber
// fell behind and events were dropped from its buffer. The client should
// reconnect with its last seen sequence to replay the gap from the store.
const EventTypeLagged = "lagged"

// Event is one entry in a run's event stream.
type Event struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	ScenarioID string         `json:"scenario_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
}
