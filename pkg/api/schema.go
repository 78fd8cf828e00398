package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decisionSchema validates the decision submission body before it reaches
// the gate, so malformed requests fail with a field-level message instead
// of a JSON decode error.
const decisionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action_type", "description", "context"],
  "properties": {
    "action_type": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "payload": {"type": "object"},
    "agent_id": {"type": "string"},
    "context": {
      "type": "object",
      "properties": {
        "causation": {"enum": ["natural", "human", "ai_decision", "ai_assisted"]},
        "agency_present": {"type": "boolean"},
        "duty_of_care": {"type": "string"},
        "knowledge_level": {"type": "string"},
        "control_level": {"type": "string"}
      }
    }
  }
}`

// classificationSchema validates external classification submissions.
const classificationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "classifier_id", "ethical_status", "confidence", "risk_estimate"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "classifier_id": {"type": "string", "minLength": 1},
    "ethical_status": {"enum": ["ethical", "permissible", "questionable", "unethical"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "risk_estimate": {"enum": ["low", "medium", "high"]},
    "reasoning": {"type": "string"},
    "requires_external_review": {"type": "boolean"}
  }
}`

type schemas struct {
	decision       *jsonschema.Schema
	classification *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", strings.NewReader(decisionSchema)); err != nil {
		return nil, fmt.Errorf("add decision schema: %w", err)
	}
	if err := c.AddResource("classification.json", strings.NewReader(classificationSchema)); err != nil {
		return nil, fmt.Errorf("add classification schema: %w", err)
	}

	decision, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	classification, err := c.Compile("classification.json")
	if err != nil {
		return nil, fmt.Errorf("compile classification schema: %w", err)
	}
	return &schemas{decision: decision, classification: classification}, nil
}

// schemaDetail reduces a validation error to its most specific cause so the
// client sees the failing field, not the whole tree.
func schemaDetail(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
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
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
