package textgenerate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-io/fabrica/pkg/protocol"
)

func TestModuleRendersTemplate(t *testing.T) {
	module, err := NewFactory()()
	require.NoError(t, err)
	assert.Equal(t, ModuleID, module.ID())

	result, err := module.Run(context.Background(), protocol.ExecutionInput{
		StageID: "draft",
		Params: map[string]any{
			"template":      "Scene: {{.input.outline.title}}",
			"artifact_type": "scene_draft",
			"entity_id":     "scene-1",
			"intent":        "first draft",
			"confidence":    0.8,
		},
		Inputs: map[string][]json.RawMessage{
			"outline": {json.RawMessage(`{"title":"The Reveal"}`)},
		},
		Target: "primary",
	})
	require.NoError(t, err)

	require.Len(t, result.Artifacts, 1)
	spec := result.Artifacts[0]
	assert.Equal(t, "scene_draft", spec.Type)
	assert.Equal(t, "scene-1", spec.EntityID)
	assert.Equal(t, "first draft", spec.Intent)
	assert.InDelta(t, 0.8, spec.Confidence, 1e-9)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(spec.Payload, &payload))
	assert.Equal(t, "Scene: The Reveal", payload["text"])
	assert.Equal(t, "primary", payload["target"])

	assert.Positive(t, result.Cost.InputTokens)
	assert.Positive(t, result.Cost.OutputTokens)
	assert.Positive(t, result.Cost.USD)
}

func TestModuleRequiresTemplate(t *testing.T) {
	module, err := NewFactory()()
	require.NoError(t, err)

	_, err = module.Run(context.Background(), protocol.ExecutionInput{
		Params: map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'template'")
}

func TestModuleDefaults(t *testing.T) {
	module, err := NewFactory()()
	require.NoError(t, err)

	result, err := module.Run(context.Background(), protocol.ExecutionInput{
		Params: map[string]any{"template": "static text"},
	})
	require.NoError(t, err)

	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "text", result.Artifacts[0].Type)
	assert.Empty(t, result.Artifacts[0].EntityID)
	assert.InDelta(t, 1.0, result.Artifacts[0].Confidence, 1e-9)
}
