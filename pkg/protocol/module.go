// Package protocol defines the contracts between the execution engine and
// pluggable stage modules.
package protocol

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fabrica-io/fabrica/pkg/models"
)

// ExecutionInput carries everything a module sees for one stage invocation.
type ExecutionInput struct {
	RunID   string
	StageID string

	// Params are the stage parameters with placeholders already resolved.
	Params map[string]any

	// Inputs maps each input key to the payloads resolved for it. Keys bound
	// via needs/store_inputs carry exactly one payload; needs_all and
	// store_inputs_all keys may carry several.
	Inputs map[string][]json.RawMessage

	// InputRefs maps each input key to the artifact references its payloads
	// came from. The union of all refs becomes the lineage of everything the
	// module produces.
	InputRefs map[string][]models.ArtifactRef

	// Target is the execution target (model or provider) selected by the
	// resilience policy for this attempt.
	Target string

	Logger *slog.Logger
}

// ConsumedRefs returns every input reference, ordered by input key then
// position. This is the lineage for artifacts produced from this input set.
func (in ExecutionInput) ConsumedRefs() []models.ArtifactRef {
	keys := make([]string, 0, len(in.InputRefs))
	for k := range in.InputRefs {
		keys = append(keys, k)
	}

	sortStrings(keys)

	refs := make([]models.ArtifactRef, 0)
	for _, k := range keys {
		refs = append(refs, in.InputRefs[k]...)
	}

	return refs
}

// ArtifactSpec is a module's request to persist one new artifact version.
// The engine fills in lineage, producer and versioning on save.
type ArtifactSpec struct {
	Type       string
	EntityID   string
	Payload    json.RawMessage
	Intent     string
	Confidence float64
}

// ExecutionResult is the outcome of a successful module invocation.
type ExecutionResult struct {
	Artifacts []ArtifactSpec
	Cost      models.CostRecord

	// Paused signals that the module requests human confirmation before
	// downstream stages may run. Pausing is not a failure.
	Paused      bool
	PauseReason string
}

// Module executes one stage kind. Implementations must be safe for
// concurrent use; the engine may run one instance from several goroutines
// across waves.
type Module interface {
	ID() string
	Run(ctx context.Context, in ExecutionInput) (*ExecutionResult, error)
}

// ModuleFactory binds a discovered module_id to a compiled implementation.
type ModuleFactory func() (Module, error)
