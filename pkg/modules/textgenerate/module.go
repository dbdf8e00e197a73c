// Package textgenerate implements the text_generate built-in: it renders a
// parameter template against the stage's inputs and persists the result as a
// new artifact version.
package textgenerate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/protocol"
	"github.com/fabrica-io/fabrica/pkg/template"
)

const ModuleID = "text_generate"

// centsPerThousandTokens is a flat bookkeeping rate; real provider pricing
// arrives with a provider-backed module.
const centsPerThousandTokens = 0.2

func NewFactory() protocol.ModuleFactory {
	return func() (protocol.Module, error) {
		return &Module{}, nil
	}
}

type Module struct{}

func (m *Module) ID() string {
	return ModuleID
}

func (m *Module) Run(_ context.Context, in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
	templateStr, ok := in.Params["template"].(string)
	if !ok || templateStr == "" {
		return nil, errors.New("text_generate requires a 'template' string parameter")
	}

	rendered, err := template.RenderInput(templateStr, in)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"text":   rendered,
		"target": in.Target,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generated text: %w", err)
	}

	inputTokens := approximateTokens(templateStr)
	outputTokens := approximateTokens(rendered)

	return &protocol.ExecutionResult{
		Artifacts: []protocol.ArtifactSpec{{
			Type:       stringParam(in.Params, "artifact_type", "text"),
			EntityID:   stringParam(in.Params, "entity_id", ""),
			Payload:    payload,
			Intent:     stringParam(in.Params, "intent", ""),
			Confidence: floatParam(in.Params, "confidence", 1.0),
		}},
		Cost: models.CostRecord{
			InputTokens:  int64(inputTokens),
			OutputTokens: int64(outputTokens),
			USD:          float64(inputTokens+outputTokens) / 1000 * centsPerThousandTokens / 100,
		},
	}, nil
}

// approximateTokens uses the common four-characters-per-token heuristic.
func approximateTokens(s string) int {
	return (len(s) + 3) / 4
}

func stringParam(params map[string]any, key, fallback string) string {
	if value, ok := params[key].(string); ok && value != "" {
		return value
	}

	return fallback
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	if value, ok := params[key].(float64); ok {
		return value
	}

	return fallback
}
