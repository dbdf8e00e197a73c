package models

import (
	"sort"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPaused    RunStatus = "paused"
	RunStatusFailed    RunStatus = "failed"
)

// StageStatus represents the lifecycle state of a single stage within a run.
type StageStatus string

const (
	StagePending       StageStatus = "pending"
	StageRunning       StageStatus = "running"
	StageDone          StageStatus = "done"
	StageFailed        StageStatus = "failed"
	StageSkippedReused StageStatus = "skipped_reused"
	StagePaused        StageStatus = "paused"
)

// Terminal reports whether a stage in this state will not transition again
// within the current run.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageDone, StageFailed, StageSkippedReused, StagePaused:
		return true
	default:
		return false
	}
}

// Satisfied reports whether downstream stages may treat this stage's outputs
// as available.
func (s StageStatus) Satisfied() bool {
	return s == StageDone || s == StageSkippedReused
}

// Attempt is one entry in a stage's attempt history.
type Attempt struct {
	Number     int           `json:"number"`
	Target     string        `json:"target,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
	Succeeded  bool          `json:"succeeded"`
}

// StageRun is the persisted per-stage slice of a run.
type StageRun struct {
	Status      StageStatus   `json:"status"`
	Artifacts   []ArtifactRef `json:"artifacts,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Cost        CostRecord    `json:"cost"`
	Attempts    []Attempt     `json:"attempts,omitempty"`
	ModelUsed   string        `json:"model_used,omitempty"`
	Error       string        `json:"error,omitempty"`
	PauseReason string        `json:"pause_reason,omitempty"`

	// Orphaned marks a stage that was left running or pending by a process
	// that died. Set on inspection, never while a run is live.
	Orphaned bool `json:"orphaned,omitempty"`
}

// RunState is the full persisted state of one run. The file on disk, not
// memory, is the source of truth after a crash.
type RunState struct {
	RunID      string               `json:"run_id"`
	RecipeID   string               `json:"recipe_id"`
	Status     RunStatus            `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Stages     map[string]*StageRun `json:"stages"`
	TotalCost  CostRecord           `json:"total_cost"`
	Error      string               `json:"error,omitempty"`
	DryRun     bool                 `json:"dry_run,omitempty"`
}

// StagesByStatus returns the IDs of stages currently in the given status,
// sorted for stable output.
func (r *RunState) StagesByStatus(status StageStatus) []string {
	ids := make([]string, 0)
	for id, sr := range r.Stages {
		if sr.Status == status {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}
