// Package template renders stage parameter templates against the inputs a
// stage received, for modules that assemble text from upstream artifacts.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/fabrica-io/fabrica/pkg/protocol"
)

// Render executes templateStr against data with the standard helper funcs.
func Render(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("stage").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"join": strings.Join,
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// RenderInput renders templateStr with the stage's execution context exposed
// as template data:
//
//	.params        stage parameters
//	.inputs.<key>  every decoded payload for the key, as a list
//	.input.<key>   the first decoded payload for the key
//	.target        the execution target chosen for this attempt
func RenderInput(templateStr string, in protocol.ExecutionInput) (string, error) {
	inputs := make(map[string]any, len(in.Inputs))
	first := make(map[string]any, len(in.Inputs))

	for key, payloads := range in.Inputs {
		values := make([]any, 0, len(payloads))

		for _, payload := range payloads {
			var value any
			if err := json.Unmarshal(payload, &value); err != nil {
				return "", fmt.Errorf("input '%s' is not valid JSON: %w", key, err)
			}

			values = append(values, value)
		}

		inputs[key] = values

		if len(values) > 0 {
			first[key] = values[0]
		}
	}

	return Render(templateStr, map[string]any{
		"params": in.Params,
		"inputs": inputs,
		"input":  first,
		"target": in.Target,
	})
}
