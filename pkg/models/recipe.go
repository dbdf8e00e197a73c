package models

import "time"

// Recipe is a validated workflow definition: an ordered list of stages whose
// needs edges form a DAG. Loaded once per run, never mutated after validation.
type Recipe struct {
	RecipeID    string           `json:"recipe_id"   validate:"required"`
	Description string           `json:"description"`
	Resilience  ResiliencePolicy `json:"resilience"`
	Stages      []*Stage         `json:"stages"      validate:"required,min=1,dive"`
	Metadata    map[string]any   `json:"metadata,omitempty"`

	// Raw holds the recipe file bytes as loaded; its hash joins every stage
	// fingerprint so any recipe edit invalidates the cache.
	Raw []byte `json:"-"`
}

// Stage is one node in the recipe DAG: a single invocation of a module with
// given parameters.
//
// Needs and NeedsAll bind input keys to upstream stages; the StoreInputs
// variants bind input keys to artifact types resolved directly from the
// store. A key may never appear in both groups.
type Stage struct {
	ID     string         `json:"id"     validate:"required"`
	Module string         `json:"module" validate:"required"`
	Params map[string]any `json:"params,omitempty"`

	// Needs maps an input key to the stage whose output satisfies it.
	Needs map[string]string `json:"needs,omitempty"`
	// NeedsAll maps an input key to several stages; the consumer receives
	// every producer's outputs as a list.
	NeedsAll map[string][]string `json:"needs_all,omitempty"`

	// StoreInputs maps an input key to an artifact type whose latest version
	// is loaded from the store. Missing or unhealthy artifacts are fatal.
	StoreInputs map[string]string `json:"store_inputs,omitempty"`
	// StoreInputsOptional is the lenient variant: a missing or unhealthy
	// artifact degrades to an absent input instead of failing the stage.
	StoreInputsOptional map[string]string `json:"store_inputs_optional,omitempty"`
	// StoreInputsAll maps an input key to an artifact type; the consumer
	// receives the latest version for every entity of that type.
	StoreInputsAll map[string]string `json:"store_inputs_all,omitempty"`
}

// DependencyIDs returns the deduplicated set of upstream stage IDs referenced
// by Needs and NeedsAll, in stable order of first appearance.
func (s *Stage) DependencyIDs() []string {
	seen := make(map[string]struct{})
	deps := make([]string, 0, len(s.Needs))

	for _, dep := range sortedValues(s.Needs) {
		if _, ok := seen[dep]; !ok {
			seen[dep] = struct{}{}
			deps = append(deps, dep)
		}
	}

	for _, key := range sortedKeys(s.NeedsAll) {
		for _, dep := range s.NeedsAll[key] {
			if _, ok := seen[dep]; !ok {
				seen[dep] = struct{}{}
				deps = append(deps, dep)
			}
		}
	}

	return deps
}

// ResiliencePolicy governs retry, fallback and delay behavior around stage
// execution. Zero values fall back to the package defaults at resolution
// time.
type ResiliencePolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty" validate:"omitempty,min=1"`
	Fallbacks   []string      `json:"fallbacks,omitempty"`
	BaseDelayMS int           `json:"base_delay_ms,omitempty" validate:"omitempty,min=0"`
	Stages      map[string]StagePolicy `json:"stages,omitempty"`
}

// StagePolicy overrides the recipe-level policy for a single stage. Nil
// fields inherit the recipe default.
type StagePolicy struct {
	MaxAttempts *int     `json:"max_attempts,omitempty"`
	Fallbacks   []string `json:"fallbacks,omitempty"`
	BaseDelayMS *int     `json:"base_delay_ms,omitempty"`
}

// CacheEntry records the artifacts a stage produced and the fingerprint that
// produced them. Deleting an entry never loses data, only forces
// recomputation.
type CacheEntry struct {
	Artifacts   []ArtifactRef `json:"artifact_refs"`
	Fingerprint string        `json:"fingerprint"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
