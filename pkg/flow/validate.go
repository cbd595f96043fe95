// Package flow activates flows on conversations and walks their node graphs one step per claim.
package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrInvalidFlowSpec = errors.New("invalid flow spec")
	ErrFlowInactive    = errors.New("flow is not active")
	// ErrFlowPaused indicates the flow's last execution on the conversation ran out of
	// retries and the user has not written since.
	ErrFlowPaused = errors.New("flow paused for conversation")
)

// specSchema describes the shape of a FlowSpec document. Graph integrity (entry and target
// references) is checked by FlowSpec.Validate afterwards.
var specSchema = map[string]any{
	"type":     "object",
	"required": []string{"entry", "nodes"},
	"properties": map[string]any{
		"entry": map[string]any{"type": "string", "minLength": 1},
		"nodes": map[string]any{
			"type":          "object",
			"minProperties": 1,
			"additionalProperties": map[string]any{
				"type":     "object",
				"required": []string{"type"},
				"properties": map[string]any{
					"type": map[string]any{
						"enum": []string{"message", "quickReply", "condition", "action", "wait", "end"},
					},
					"text":       map[string]any{"type": "string"},
					"go":         map[string]any{"type": "string"},
					"default":    map[string]any{"type": "string"},
					"expr":       map[string]any{"type": "string"},
					"trueGo":     map[string]any{"type": "string"},
					"falseGo":    map[string]any{"type": "string"},
					"name":       map[string]any{"type": "string"},
					"params":     map[string]any{"type": "object"},
					"durationMs": map[string]any{"type": "integer", "minimum": 1},
					"options": map[string]any{
						"type":     "array",
						"maxItems": 13,
						"items": map[string]any{
							"type":     "object",
							"required": []string{"text", "go"},
							"properties": map[string]any{
								"text":    map[string]any{"type": "string", "minLength": 1, "maxLength": 20},
								"payload": map[string]any{"type": "string"},
								"go":      map[string]any{"type": "string", "minLength": 1},
							},
						},
					},
				},
			},
		},
	},
}

// ValidateSpec checks a flow spec against the document schema and its graph invariants.
func ValidateSpec(spec *models.FlowSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: spec is empty", ErrInvalidFlowSpec)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(specSchema), gojsonschema.NewGoLoader(spec))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlowSpec, err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidFlowSpec, strings.Join(errs, "; "))
	}

	err = spec.Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlowSpec, err)
	}

	return nil
}
