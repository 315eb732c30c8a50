package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/overseer/pkg/models"
)

// decisionSchemaJSON constrains the structured decision a model must emit
// when it is asked to choose between acting and finishing.
const decisionSchemaJSON = `{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["use_tool", "finish"]},
		"tool": {"type": "string"},
		"input": {"type": "object"},
		"reasoning": {"type": "string"}
	},
	"required": ["action"],
	"additionalProperties": false
}`

var decisionSchema = jsonschema.MustCompileString("decision.json", decisionSchemaJSON)

// ParseDecision extracts and validates a structured decision from model
// output. The model may wrap the JSON in prose or a code fence, and may
// emit slightly malformed JSON; both are repaired before validation.
// Output that cannot be repaired into a valid decision is an error.
func ParseDecision(content string) (*models.Decision, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object found in model output")
	}

	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, fmt.Errorf("unparseable decision JSON: %w", err)
		}
		raw = repaired
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			return nil, fmt.Errorf("unparseable decision JSON after repair: %w", err)
		}
	}

	if err := decisionSchema.Validate(probe); err != nil {
		return nil, fmt.Errorf("invalid decision: %w", err)
	}

	var decision models.Decision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	if decision.Action == models.ActionUseTool && decision.Tool == "" {
		return nil, fmt.Errorf("decision action use_tool requires a tool name")
	}
	if decision.Input == nil {
		decision.Input = json.RawMessage(`{}`)
	}
	return &decision, nil
}

// extractJSONObject returns the first balanced top-level JSON object in s,
// skipping code fences and surrounding prose. Returns "" when none exists.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced object. Return the tail so the repairer can close it.
	return s[start:]
}
