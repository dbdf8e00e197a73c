// Package reviewgate implements the review_gate built-in: it pauses the run
// for human confirmation and passes through once the reviewer approves.
package reviewgate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fabrica-io/fabrica/pkg/protocol"
)

const ModuleID = "review_gate"

const defaultReason = "awaiting human review"

func NewFactory() protocol.ModuleFactory {
	return func() (protocol.Module, error) {
		return &Module{}, nil
	}
}

type Module struct{}

func (m *Module) ID() string {
	return ModuleID
}

// Run pauses unless the stage is parameterized with approved=true. Approval
// is a recipe-level decision made after inspecting the paused run; approving
// produces a marker artifact so downstream stages have a lineage edge to the
// review itself.
func (m *Module) Run(_ context.Context, in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
	approved, _ := in.Params["approved"].(bool)
	if !approved {
		reason := defaultReason
		if value, ok := in.Params["reason"].(string); ok && value != "" {
			reason = value
		}

		return &protocol.ExecutionResult{Paused: true, PauseReason: reason}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"approved":    true,
		"reviewed_at": time.Now().UTC().Format(time.RFC3339),
		"reviewer":    in.Params["reviewer"],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode review record: %w", err)
	}

	artifactType := "review"
	if value, ok := in.Params["artifact_type"].(string); ok && value != "" {
		artifactType = value
	}

	return &protocol.ExecutionResult{
		Artifacts: []protocol.ArtifactSpec{{
			Type:     artifactType,
			EntityID: in.StageID,
			Payload:  payload,
		}},
	}, nil
}
