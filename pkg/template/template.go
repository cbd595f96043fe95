// Package template renders flow text and condition expressions over an execution's context.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/dmflow/pkg/models"
)

// noValue is what text/template prints for a missing map key.
const noValue = "<no value>"

// Data builds the template data of an execution: .vars is the flow context, .reply the last
// quick reply and .execution the identifiers.
func Data(execution *models.FlowExecution) map[string]any {
	data := map[string]any{
		"vars": execution.Context,
		"execution": map[string]any{
			"id":              execution.ID,
			"flow_id":         execution.FlowID,
			"conversation_id": execution.ConversationID,
			"step":            execution.StepCount,
		},
	}

	if execution.PendingReply != nil {
		data["reply"] = map[string]any{
			"text":    execution.PendingReply.Text,
			"payload": execution.PendingReply.Payload,
		}
	}

	return data
}

func parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.
		New("flow").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"lower": strings.ToLower,
			"upper": strings.ToUpper,
			"contains": func(s, substr string) bool {
				return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

// RenderString executes templateStr and returns the text. Missing keys render empty.
func RenderString(templateStr string, data any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}

	tmpl, err := parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), noValue, ""), nil
}

// Render executes templateStr and converts the output to JSON, a number or a bool when it parses as one.
func Render(templateStr string, data any) (any, error) {
	rendered, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result := strings.TrimSpace(rendered)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// Evaluate renders a condition expression and reports its truthiness. A bare expression
// such as `eq .vars.plan "pro"` is wrapped in an action.
func Evaluate(expr string, data any) (bool, error) {
	if !strings.Contains(expr, "{{") {
		expr = "{{ " + expr + " }}"
	}

	value, err := Render(expr, data)
	if err != nil {
		return false, err
	}

	return Truthy(value), nil
}

// Truthy converts a rendered value to a boolean.
func Truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}

		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return false
	}
}
