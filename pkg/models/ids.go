package models

import (
	"strings"

	"github.com/google/uuid"
)

// Stable ID prefixes. Opaque tokens are uninterpreted strings; only the
// prefix is meaningful.
const (
	RunIDPrefix      = "run_"
	ScenarioIDPrefix = "scn_"
	ProjectIDPrefix  = "proj_"
	SnapshotIDPrefix = "ss_"
)

func opaque() string { return strings.ReplaceAll(uuid.New().String(), "-", "") }

// NewRunID mints a run identifier.
func NewRunID() string { return RunIDPrefix + opaque() }

// NewScenarioID mints a scenario identifier.
func NewScenarioID() string { return ScenarioIDPrefix + opaque() }

// NewProjectID mints a project identifier.
func NewProjectID() string { return ProjectIDPrefix + opaque() }

// NewSnapshotID mints a checkpoint snapshot identifier.
func NewSnapshotID() string { return SnapshotIDPrefix + opaque() }

// NewEventID mints an event identifier, unique within a run.
func NewEventID() string { return uuid.New().String() }
