// Package models defines the core domain models for recipe-driven pipeline execution.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Health represents the validity state of an artifact within the dependency graph.
type Health string

const (
	HealthValid          Health = "valid"
	HealthStale          Health = "stale"
	HealthNeedsRevision  Health = "needs_revision"
	HealthNeedsReview    Health = "needs_review"
	HealthConfirmedValid Health = "confirmed_valid"
)

// Usable reports whether an artifact in this state may satisfy a stage input
// or back a cache hit.
func (h Health) Usable() bool {
	return h == HealthValid || h == HealthConfirmedValid
}

// ProjectEntity is the entity marker used for artifacts scoped to the whole
// project rather than to a specific entity.
const ProjectEntity = "_project"

// ArtifactRef identifies one immutable version of an artifact.
type ArtifactRef struct {
	Type     string `json:"artifact_type"         validate:"required"`
	EntityID string `json:"entity_id,omitempty"`
	Version  int    `json:"version"               validate:"required,min=1"`
	Path     string `json:"path,omitempty"`
}

// Key returns the canonical identity string "type/entity@vN". It is stable
// across processes and is what fingerprints and graph nodes are keyed by.
func (r ArtifactRef) Key() string {
	entity := r.EntityID
	if entity == "" {
		entity = ProjectEntity
	}

	return fmt.Sprintf("%s/%s@v%d", r.Type, entity, r.Version)
}

// PairKey identifies the (type, entity) version slot, ignoring the version.
func (r ArtifactRef) PairKey() string {
	entity := r.EntityID
	if entity == "" {
		entity = ProjectEntity
	}

	return r.Type + "/" + entity
}

// CostRecord accumulates the spend attributed to producing an artifact or
// executing a stage.
type CostRecord struct {
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	USD          float64 `json:"usd,omitempty"`
}

// Add returns the sum of two cost records.
func (c CostRecord) Add(other CostRecord) CostRecord {
	return CostRecord{
		InputTokens:  c.InputTokens + other.InputTokens,
		OutputTokens: c.OutputTokens + other.OutputTokens,
		USD:          c.USD + other.USD,
	}
}

// ArtifactMeta is the immutable metadata written alongside an artifact
// payload. Health captured here is the health at creation time; the current
// health lives in the dependency graph.
type ArtifactMeta struct {
	Lineage    []ArtifactRef `json:"lineage,omitempty"`
	Intent     string        `json:"intent,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	ProducedBy string        `json:"produced_by"`
	Cost       CostRecord    `json:"cost"`
	Health     Health        `json:"health"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Artifact is one stored version: reference, metadata and opaque payload.
type Artifact struct {
	Ref     ArtifactRef     `json:"ref"`
	Meta    ArtifactMeta    `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}
