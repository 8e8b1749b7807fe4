package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gtmgraph/gtmgraph/schemas"
)

// ValidationError is a schema violation at the wire boundary. Surfaced to
// callers as a 4xx; never retried.
type ValidationError struct {
	Schema  string
	Details string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, e.Details)
}

var (
	compileOnce sync.Once
	stateSchema *jsonschema.Schema
	agentSchema *jsonschema.Schema
	compileErr  error
)

func compiled() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		for _, name := range []string{schemas.CanonicalState, schemas.AgentOutput} {
			raw, err := schemas.FS.ReadFile(name)
			if err != nil {
				compileErr = fmt.Errorf("reading embedded schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("adding schema %s: %w", name, err)
				return
			}
		}
		if stateSchema, compileErr = c.Compile(schemas.CanonicalState); compileErr != nil {
			return
		}
		agentSchema, compileErr = c.Compile(schemas.AgentOutput)
	})
	return stateSchema, agentSchema, compileErr
}

// ValidateDoc validates a canonical state document. Unknown top-level keys
// are reported by name before the full schema walk so callers get a precise
// 4xx message.
func ValidateDoc(doc map[string]any) error {
	ss, _, err := compiled()
	if err != nil {
		return err
	}
	if unknown := unknownTopLevelKeys(doc); len(unknown) > 0 {
		return &ValidationError{
			Schema:  schemas.CanonicalState,
			Details: fmt.Sprintf("unknown top-level key %q", unknown[0]),
		}
	}
	if err := ss.Validate(doc); err != nil {
		return &ValidationError{Schema: schemas.CanonicalState, Details: schemaDetail(err)}
	}
	return nil
}

// ValidateAgentOutputJSON validates raw agent output bytes against
// agent_output.schema.json and decodes them.
func ValidateAgentOutputJSON(data []byte) (map[string]any, error) {
	_, as, err := compiled()
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing agent output: %w", err)
	}
	if err := as.Validate(doc); err != nil {
		return nil, &ValidationError{Schema: schemas.AgentOutput, Details: schemaDetail(err)}
	}
	return doc, nil
}

var canonicalSections = map[string]struct{}{
	"meta": {}, "idea": {}, "constraints": {}, "inputs": {}, "evidence": {},
	"decisions": {}, "pillars": {}, "graph": {}, "risks": {}, "execution": {},
	"telemetry": {},
}

func unknownTopLevelKeys(doc map[string]any) []string {
	var unknown []string
	for k := range doc {
		if _, ok := canonicalSections[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// schemaDetail flattens a jsonschema validation error to its most specific
// leaf cause.
func schemaDetail(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return strings.TrimSpace(loc + ": " + leaf.Message)
}
