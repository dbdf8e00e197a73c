// Package engine executes validated recipes: it resolves execution waves,
// runs stages with bounded parallelism, applies the stage cache and the
// resilience policy around every module invocation, and persists run state
// and an append-only event log after every transition.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabrica-io/fabrica/pkg/eventbus"
	"github.com/fabrica-io/fabrica/pkg/events"
	"github.com/fabrica-io/fabrica/pkg/log"
	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/otelhelper"
	"github.com/fabrica-io/fabrica/pkg/recipe"
	"github.com/fabrica-io/fabrica/pkg/registry"
	"github.com/fabrica-io/fabrica/pkg/resilience"
	"github.com/fabrica-io/fabrica/pkg/store"
)

const defaultWorkers = 4

// Options configures optional engine collaborators.
type Options struct {
	// Workers bounds per-wave parallelism. Defaults to 4.
	Workers int
	// Bus mirrors the event log onto an in-process bus. Optional.
	Bus eventbus.EventPublisher
	// Tracer opens a span per stage execution. Optional.
	Tracer trace.Tracer
}

// RunOptions select per-run behavior.
type RunOptions struct {
	// Force ignores the stage cache and recomputes every stage.
	Force bool
	// StartFrom resumes from the named stage; every earlier stage must have
	// a usable cached result or the run fails instead of silently
	// re-deriving data out of order.
	StartFrom string
	// DryRun validates and records intent without executing any stage.
	DryRun bool
	// RuntimeParams feed ${name} placeholder resolution.
	RuntimeParams map[string]string
	// ParamsFileHash is the content hash of the runtime parameter file, if
	// one was supplied; it joins every stage fingerprint.
	ParamsFileHash string
}

// Engine owns run state and the stage cache. It never mutates an artifact
// directly; it only asks the store to persist new versions.
type Engine struct {
	projectRoot string
	store       *store.Store
	registry    *registry.Registry
	cache       *StageCache
	logger      *slog.Logger
	bus         eventbus.EventPublisher
	tracer      trace.Tracer
	tracker     *resilience.HealthTracker
	workers     int

	// stateMu serializes run-state transitions; logMu serializes event log
	// appends. Module execution itself is parallel.
	stateMu sync.Mutex
	logMu   sync.Mutex
}

func New(projectRoot string, st *store.Store, reg *registry.Registry, logger *slog.Logger, opts Options) (*Engine, error) {
	cache, err := OpenStageCache(filepath.Join(projectRoot, "state", "stage_cache.json"))
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	return &Engine{
		projectRoot: projectRoot,
		store:       st,
		registry:    reg,
		cache:       cache,
		logger:      logger.With("component", "engine"),
		bus:         opts.Bus,
		tracer:      opts.Tracer,
		tracker:     resilience.NewHealthTracker(),
		workers:     workers,
	}, nil
}

// Cache exposes the stage cache for inspection.
func (e *Engine) Cache() *StageCache {
	return e.cache
}

// Run executes a recipe end to end and returns the final persisted state.
// The returned error is non-nil only for validation, resume and stage
// failures; a paused run returns without error.
func (e *Engine) Run(ctx context.Context, r *models.Recipe, opts RunOptions) (*models.RunState, error) {
	if err := recipe.Validate(r, e.registry); err != nil {
		return nil, fmt.Errorf("recipe '%s' failed validation: %w", r.RecipeID, err)
	}

	if err := recipe.ResolvePlaceholders(r, opts.RuntimeParams); err != nil {
		return nil, err
	}

	for _, stage := range r.Stages {
		if err := e.registry.ValidateParams(stage.Module, stage.Params); err != nil {
			return nil, fmt.Errorf("stage '%s': %w", stage.ID, err)
		}
	}

	order, err := recipe.TopoOrder(r)
	if err != nil {
		return nil, err
	}

	waves, err := recipe.Waves(r)
	if err != nil {
		return nil, err
	}

	runID := "run-" + uuid.New().String()[:8]
	logger := log.WithRun(e.logger, runID).With("recipe_id", r.RecipeID)

	rs := &models.RunState{
		RunID:     runID,
		RecipeID:  r.RecipeID,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Stages:    make(map[string]*models.StageRun, len(r.Stages)),
	}

	// Every stage entry exists up front so concurrent workers only mutate
	// values, never the map itself.
	for _, stage := range r.Stages {
		rs.Stages[stage.ID] = &models.StageRun{Status: models.StagePending}
	}

	if err := persistRunState(e.projectRoot, rs); err != nil {
		return nil, err
	}

	// The lock marks this process as the run's live owner; finish releases
	// it, so an unfinished run with no lock behind it is a crash.
	if err := acquireRunLock(e.projectRoot, runID); err != nil {
		return nil, err
	}

	if opts.DryRun {
		rs.DryRun = true

		e.appendEvent(ctx, runID, events.DryRunValidated{
			BaseEvent:  e.baseEvent(events.DryRunValidatedEvent, runID, r.RecipeID, ""),
			StageCount: len(r.Stages),
			Waves:      waves,
		})

		logger.Info("Dry run validated", "stages", len(r.Stages), "waves", len(waves))

		return rs, e.finish(rs, models.RunStatusCompleted)
	}

	e.appendEvent(ctx, runID, events.RunStarted{
		BaseEvent:  e.baseEvent(events.RunStartedEvent, runID, r.RecipeID, ""),
		StageCount: len(r.Stages),
		Resumed:    opts.StartFrom != "",
		Forced:     opts.Force,
	})

	logger.Info("Starting run", "stages", len(r.Stages), "waves", len(waves), "workers", e.workers)

	if opts.StartFrom != "" {
		if err := e.preSatisfy(ctx, r, rs, order, opts.StartFrom); err != nil {
			rs.Error = err.Error()
			_ = e.finish(rs, models.RunStatusFailed)

			return rs, err
		}
	}

	stagesByID := make(map[string]*models.Stage, len(r.Stages))
	for _, stage := range r.Stages {
		stagesByID[stage.ID] = stage
	}

	recipeHash := hashBytes(r.Raw)

	for waveIdx, wave := range waves {
		runnable := make([]*models.Stage, 0, len(wave))

		for _, id := range wave {
			if rs.Stages[id].Status != models.StagePending {
				continue
			}

			// Dependencies may be unsatisfied when an upstream stage paused;
			// such stages stay pending, which is not a failure.
			if !depsSatisfied(stagesByID[id], rs) {
				continue
			}

			runnable = append(runnable, stagesByID[id])
		}

		if len(runnable) == 0 {
			continue
		}

		var (
			wg          sync.WaitGroup
			failMu      sync.Mutex
			firstErr    error
			failedStage string
		)

		sem := make(chan struct{}, e.workers)

		for _, stage := range runnable {
			wg.Add(1)
			sem <- struct{}{}

			go func(stage *models.Stage) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := e.executeStage(ctx, r, rs, stage, waveIdx, recipeHash, opts); err != nil {
					failMu.Lock()
					if firstErr == nil {
						firstErr = err
						failedStage = stage.ID
					}
					failMu.Unlock()
				}
			}(stage)
		}

		// Sibling stages in the wave run to completion; the abort happens at
		// the wave boundary so no stage ever observes a partial wave.
		wg.Wait()

		if firstErr != nil {
			rs.Error = firstErr.Error()

			e.appendEvent(ctx, runID, events.RunFailed{
				BaseEvent:   e.baseEvent(events.RunFailedEvent, runID, r.RecipeID, ""),
				FailedStage: failedStage,
				Error:       firstErr.Error(),
			})

			_ = e.finish(rs, models.RunStatusFailed)

			return rs, fmt.Errorf("run %s failed at stage '%s': %w", runID, failedStage, firstErr)
		}
	}

	status := models.RunStatusCompleted

	for _, sr := range rs.Stages {
		if sr.Status == models.StagePaused || sr.Status == models.StagePending {
			status = models.RunStatusPaused

			break
		}
	}

	e.appendEvent(ctx, runID, events.RunFinished{
		BaseEvent: e.baseEvent(events.RunFinishedEvent, runID, r.RecipeID, ""),
		Status:    status,
		Duration:  time.Since(rs.StartedAt),
		TotalCost: totalCost(rs),
	})

	logger.Info("Run finished", "status", status, "total_cost_usd", totalCost(rs).USD)

	return rs, e.finish(rs, status)
}

// preSatisfy marks every stage strictly before startFrom in the topological
// order as reused from its last recorded artifacts. A stage without a usable
// cached result fails resumption outright.
func (e *Engine) preSatisfy(ctx context.Context, r *models.Recipe, rs *models.RunState, order []string, startFrom string) error {
	startIdx := -1

	for i, id := range order {
		if id == startFrom {
			startIdx = i

			break
		}
	}

	if startIdx < 0 {
		return fmt.Errorf("cannot resume: stage '%s' is not part of recipe '%s'", startFrom, r.RecipeID)
	}

	for _, id := range order[:startIdx] {
		entry, ok := e.cache.Get(r.RecipeID, id)
		if !ok {
			return fmt.Errorf("cannot resume from '%s': stage '%s' has no cached result", startFrom, id)
		}

		if err := e.cachedArtifactsUsable(entry); err != nil {
			return fmt.Errorf("cannot resume from '%s': stage '%s': %w", startFrom, id, err)
		}

		e.transition(ctx, rs, id, func(sr *models.StageRun) {
			sr.Status = models.StageSkippedReused
			sr.Artifacts = entry.Artifacts
			sr.Fingerprint = entry.Fingerprint
		}, events.StageSkippedReused{
			BaseEvent:   e.baseEvent(events.StageSkippedReusedEvent, rs.RunID, r.RecipeID, id),
			Artifacts:   entry.Artifacts,
			Fingerprint: entry.Fingerprint,
		})
	}

	return nil
}

// cachedArtifactsUsable verifies every cached reference still exists on disk
// with health valid or confirmed_valid.
func (e *Engine) cachedArtifactsUsable(entry models.CacheEntry) error {
	for _, ref := range entry.Artifacts {
		if !e.store.Exists(ref) {
			return fmt.Errorf("cached artifact %s no longer exists", ref.Key())
		}

		health, err := e.store.Graph().Health(ref)
		if err != nil {
			return err
		}

		if !health.Usable() {
			return fmt.Errorf("cached artifact %s has health '%s'", ref.Key(), health)
		}
	}

	return nil
}

func depsSatisfied(stage *models.Stage, rs *models.RunState) bool {
	for _, dep := range stage.DependencyIDs() {
		if !rs.Stages[dep].Status.Satisfied() {
			return false
		}
	}

	return true
}

// transition applies one stage mutation, appends its event and rewrites the
// run state file in full, all under the writer lock so transitions never
// interleave into a corrupt file.
func (e *Engine) transition(ctx context.Context, rs *models.RunState, stageID string, mutate func(*models.StageRun), event events.Event) {
	e.stateMu.Lock()

	mutate(rs.Stages[stageID])
	rs.TotalCost = totalCost(rs)

	if err := persistRunState(e.projectRoot, rs); err != nil {
		e.logger.Error("Failed to persist run state", "run_id", rs.RunID, "error", err)
	}

	e.stateMu.Unlock()

	if event != nil {
		e.appendEvent(ctx, rs.RunID, event)
	}
}

func (e *Engine) finish(rs *models.RunState, status models.RunStatus) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	now := time.Now().UTC()
	rs.Status = status
	rs.FinishedAt = &now
	rs.TotalCost = totalCost(rs)

	err := persistRunState(e.projectRoot, rs)

	// Release only after the terminal state is on disk, so readers never see
	// an unlocked run that still looks in-flight.
	releaseRunLock(e.projectRoot, rs.RunID)

	return err
}

func totalCost(rs *models.RunState) models.CostRecord {
	var total models.CostRecord
	for _, sr := range rs.Stages {
		total = total.Add(sr.Cost)
	}

	return total
}

func (e *Engine) spanAttrs(runID string, r *models.Recipe, stage *models.Stage) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.RecipeIDKey, r.RecipeID),
		attribute.String(otelhelper.StageIDKey, stage.ID),
		attribute.String(otelhelper.ModuleIDKey, stage.Module),
	}
}
