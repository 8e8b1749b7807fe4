// Package schemas carries the wire-contract JSON Schemas, embedded so the
// binary validates payloads without filesystem access.
package schemas

import "embed"

//go:embed *.schema.json
var FS embed.FS

// Canonical state and agent output schema file names.
const (
	CanonicalState = "canonical_state.schema.json"
	AgentOutput    = "agent_output.schema.json"
)
