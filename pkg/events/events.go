// Package events defines the typed event records appended to the pipeline
// event log and published on the event bus.
package events

import (
	"time"

	"github.com/fabrica-io/fabrica/pkg/models"
)

type EventType string

// Topic is the bus topic all pipeline events are published on.
const Topic = "fabrica.pipeline.events"

const EventTypeMetadataKey = "event_type"
const RunIDMetadataKey = "run_id"

const (
	RunStartedEvent      EventType = "run_started"
	RunFinishedEvent     EventType = "run_finished"
	RunFailedEvent       EventType = "run_failed"
	DryRunValidatedEvent EventType = "dry_run_validated"

	StageStartedEvent       EventType = "stage_started"
	StageRetryingEvent      EventType = "stage_retrying"
	StageFallbackEvent      EventType = "stage_fallback"
	StageFinishedEvent      EventType = "stage_finished"
	StageFailedEvent        EventType = "stage_failed"
	StagePausedEvent        EventType = "stage_paused"
	StageSkippedReusedEvent EventType = "stage_skipped_reused"
)

// Event is anything publishable on the pipeline event bus.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	RecipeID  string    `json:"recipe_id"`
	StageID   string    `json:"stage_id,omitempty"`
}

// GetRunID lets transports stamp per-run metadata without decoding the
// payload.
func (e BaseEvent) GetRunID() string { return e.RunID }

type RunStarted struct {
	BaseEvent

	StageCount int  `json:"stage_count"`
	Resumed    bool `json:"resumed,omitempty"`
	Forced     bool `json:"forced,omitempty"`
}

func (e RunStarted) GetType() EventType { return RunStartedEvent }

type RunFinished struct {
	BaseEvent

	Status    models.RunStatus  `json:"status"`
	Duration  time.Duration     `json:"duration"`
	TotalCost models.CostRecord `json:"total_cost"`
}

func (e RunFinished) GetType() EventType { return RunFinishedEvent }

type RunFailed struct {
	BaseEvent

	FailedStage string `json:"failed_stage"`
	Error       string `json:"error"`
}

func (e RunFailed) GetType() EventType { return RunFailedEvent }

type DryRunValidated struct {
	BaseEvent

	StageCount int        `json:"stage_count"`
	Waves      [][]string `json:"waves"`
}

func (e DryRunValidated) GetType() EventType { return DryRunValidatedEvent }

type StageStarted struct {
	BaseEvent

	Module string `json:"module"`
	Wave   int    `json:"wave"`
}

func (e StageStarted) GetType() EventType { return StageStartedEvent }

type StageRetrying struct {
	BaseEvent

	Target  string `json:"target,omitempty"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

func (e StageRetrying) GetType() EventType { return StageRetryingEvent }

type StageFallback struct {
	BaseEvent

	FromTarget string `json:"from_target,omitempty"`
	ToTarget   string `json:"to_target"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error"`
}

func (e StageFallback) GetType() EventType { return StageFallbackEvent }

type StageFinished struct {
	BaseEvent

	Artifacts []models.ArtifactRef `json:"artifacts,omitempty"`
	Duration  time.Duration        `json:"duration"`
	Cost      models.CostRecord    `json:"cost"`
	ModelUsed string               `json:"model_used,omitempty"`
	Attempts  int                  `json:"attempts"`
}

func (e StageFinished) GetType() EventType { return StageFinishedEvent }

type StageFailed struct {
	BaseEvent

	Error    string           `json:"error"`
	Attempts []models.Attempt `json:"attempts,omitempty"`
}

func (e StageFailed) GetType() EventType { return StageFailedEvent }

type StagePaused struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e StagePaused) GetType() EventType { return StagePausedEvent }

type StageSkippedReused struct {
	BaseEvent

	Artifacts   []models.ArtifactRef `json:"artifacts"`
	Fingerprint string               `json:"fingerprint"`
}

func (e StageSkippedReused) GetType() EventType { return StageSkippedReusedEvent }
