// Package collect implements the collect built-in: it merges every input
// payload into a single keyed artifact, for stages that aggregate the output
// of a fan-out wave.
package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fabrica-io/fabrica/pkg/protocol"
)

const ModuleID = "collect"

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
	merged := make(map[string][]any, len(in.Inputs))

	keys := make([]string, 0, len(in.Inputs))
	for key := range in.Inputs {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		values := make([]any, 0, len(in.Inputs[key]))

		for _, payload := range in.Inputs[key] {
			var value any
			if err := json.Unmarshal(payload, &value); err != nil {
				return nil, fmt.Errorf("input '%s' is not valid JSON: %w", key, err)
			}

			values = append(values, value)
		}

		merged[key] = values
	}

	payload, err := json.Marshal(map[string]any{"items": merged})
	if err != nil {
		return nil, fmt.Errorf("failed to encode collection: %w", err)
	}

	artifactType := "collection"
	if value, ok := in.Params["artifact_type"].(string); ok && value != "" {
		artifactType = value
	}

	entityID, _ := in.Params["entity_id"].(string)

	return &protocol.ExecutionResult{
		Artifacts: []protocol.ArtifactSpec{{
			Type:     artifactType,
			EntityID: entityID,
			Payload:  payload,
		}},
	}, nil
}
