package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabrica-io/fabrica/pkg/events"
	"github.com/fabrica-io/fabrica/pkg/log"
	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/otelhelper"
	"github.com/fabrica-io/fabrica/pkg/protocol"
	"github.com/fabrica-io/fabrica/pkg/resilience"
)

// executeStage runs one stage through its full lifecycle: input collection,
// fingerprinting, the cache decision, resilience-wrapped module execution and
// artifact persistence. Every transition is persisted before the next step.
func (e *Engine) executeStage(ctx context.Context, r *models.Recipe, rs *models.RunState, stage *models.Stage, wave int, recipeHash string, opts RunOptions) error {
	logger := log.WithRun(e.logger, rs.RunID).With("stage_id", stage.ID, "module", stage.Module)

	var span trace.Span

	if e.tracer != nil {
		var spanCtx context.Context
		spanCtx, span = otelhelper.StartSpan(ctx, e.tracer, "stage.execute", append(e.spanAttrs(rs.RunID, r, stage),
			attribute.Int(otelhelper.WaveKey, wave))...)
		defer span.End()

		ctx = spanCtx

		defer func() {
			if sr := rs.Stages[stage.ID]; sr.Status == models.StageFailed {
				otelhelper.SetError(span, fmt.Errorf("%s", sr.Error))
			}
		}()
	}

	started := time.Now().UTC()

	e.transition(ctx, rs, stage.ID, func(sr *models.StageRun) {
		sr.Status = models.StageRunning
		sr.StartedAt = &started
	}, events.StageStarted{
		BaseEvent: e.baseEvent(events.StageStartedEvent, rs.RunID, r.RecipeID, stage.ID),
		Module:    stage.Module,
		Wave:      wave,
	})

	logger.Info("Stage started", "wave", wave)

	inputs, err := e.collectInputs(stage, rs)
	if err != nil {
		return e.failStage(ctx, rs, r.RecipeID, stage.ID, nil, err)
	}

	fp, err := e.fingerprint(r, stage, recipeHash, inputs, opts.ParamsFileHash)
	if err != nil {
		return e.failStage(ctx, rs, r.RecipeID, stage.ID, nil, err)
	}

	if span != nil {
		span.SetAttributes(attribute.String(otelhelper.FingerprintKey, fp))
	}

	if !opts.Force {
		if entry, ok := e.cache.Get(r.RecipeID, stage.ID); ok &&
			entry.Fingerprint == fp && e.cachedArtifactsUsable(entry) == nil {
			e.transition(ctx, rs, stage.ID, func(sr *models.StageRun) {
				sr.Status = models.StageSkippedReused
				sr.Artifacts = entry.Artifacts
				sr.Fingerprint = fp
			}, events.StageSkippedReused{
				BaseEvent:   e.baseEvent(events.StageSkippedReusedEvent, rs.RunID, r.RecipeID, stage.ID),
				Artifacts:   entry.Artifacts,
				Fingerprint: fp,
			})

			logger.Info("Stage reused from cache", "artifacts", len(entry.Artifacts))

			return nil
		}
	}

	module, err := e.registry.CreateModule(stage.Module)
	if err != nil {
		return e.failStage(ctx, rs, r.RecipeID, stage.ID, nil, err)
	}

	baseInput := protocol.ExecutionInput{
		RunID:     rs.RunID,
		StageID:   stage.ID,
		Params:    stage.Params,
		Inputs:    inputs.payloads,
		InputRefs: inputs.refs,
		Logger:    logger,
	}

	policy := resilience.Resolve(r.Resilience, stage.ID)

	outcome, err := policy.Execute(ctx, e.tracker, func(ctx context.Context, target string) (*protocol.ExecutionResult, error) {
		in := baseInput
		in.Target = target

		return module.Run(ctx, in)
	}, resilience.Callbacks{
		OnRetry: func(target string, attempt int, attemptErr error) {
			e.appendEvent(ctx, rs.RunID, events.StageRetrying{
				BaseEvent: e.baseEvent(events.StageRetryingEvent, rs.RunID, r.RecipeID, stage.ID),
				Target:    target,
				Attempt:   attempt,
				Error:     attemptErr.Error(),
			})

			logger.Warn("Stage retrying", "target", target, "attempt", attempt, "error", attemptErr)
		},
		OnFallback: func(fromTarget, toTarget string, attempt int, attemptErr error) {
			e.appendEvent(ctx, rs.RunID, events.StageFallback{
				BaseEvent:  e.baseEvent(events.StageFallbackEvent, rs.RunID, r.RecipeID, stage.ID),
				FromTarget: fromTarget,
				ToTarget:   toTarget,
				Attempt:    attempt,
				Error:      attemptErr.Error(),
			})

			logger.Warn("Stage falling back", "from", fromTarget, "to", toTarget, "attempt", attempt, "error", attemptErr)
		},
	})

	if span != nil {
		span.SetAttributes(
			attribute.String(otelhelper.TargetKey, outcome.TargetUsed),
			attribute.Int(otelhelper.AttemptKey, len(outcome.Attempts)))
	}

	if err != nil {
		return e.failStage(ctx, rs, r.RecipeID, stage.ID, outcome.Attempts, err)
	}

	result := outcome.Result

	if result.Paused {
		now := time.Now().UTC()

		e.transition(ctx, rs, stage.ID, func(sr *models.StageRun) {
			sr.Status = models.StagePaused
			sr.Fingerprint = fp
			sr.Attempts = outcome.Attempts
			sr.Cost = result.Cost
			sr.PauseReason = result.PauseReason
			sr.FinishedAt = &now
			sr.Duration = now.Sub(started)
		}, events.StagePaused{
			BaseEvent: e.baseEvent(events.StagePausedEvent, rs.RunID, r.RecipeID, stage.ID),
			Reason:    result.PauseReason,
		})

		logger.Info("Stage paused", "reason", result.PauseReason)

		return nil
	}

	lineage := baseInput.ConsumedRefs()

	refs := make([]models.ArtifactRef, 0, len(result.Artifacts))

	for _, spec := range result.Artifacts {
		ref, saveErr := e.store.Save(spec.Type, spec.EntityID, spec.Payload, models.ArtifactMeta{
			Lineage:    lineage,
			Intent:     spec.Intent,
			Confidence: spec.Confidence,
			ProducedBy: stage.Module,
			Cost:       result.Cost,
			Health:     models.HealthValid,
		})
		if saveErr != nil {
			return e.failStage(ctx, rs, r.RecipeID, stage.ID, outcome.Attempts,
				fmt.Errorf("failed to persist artifact '%s': %w", spec.Type, saveErr))
		}

		refs = append(refs, ref)
	}

	if err := e.cache.Put(r.RecipeID, stage.ID, models.CacheEntry{
		Artifacts:   refs,
		Fingerprint: fp,
	}); err != nil {
		logger.Warn("Failed to persist stage cache", "error", err)
	}

	now := time.Now().UTC()

	e.transition(ctx, rs, stage.ID, func(sr *models.StageRun) {
		sr.Status = models.StageDone
		sr.Artifacts = refs
		sr.Fingerprint = fp
		sr.Attempts = outcome.Attempts
		sr.Cost = result.Cost
		sr.ModelUsed = outcome.TargetUsed
		sr.FinishedAt = &now
		sr.Duration = now.Sub(started)
	}, events.StageFinished{
		BaseEvent: e.baseEvent(events.StageFinishedEvent, rs.RunID, r.RecipeID, stage.ID),
		Artifacts: refs,
		Duration:  now.Sub(started),
		Cost:      result.Cost,
		ModelUsed: outcome.TargetUsed,
		Attempts:  len(outcome.Attempts),
	})

	logger.Info("Stage finished",
		"artifacts", len(refs), "attempts", len(outcome.Attempts), "cost_usd", result.Cost.USD)

	return nil
}

// fingerprint hashes everything that identifies this exact stage execution:
// the recipe bytes, the stage definition, the module manifest and code, the
// resolved input references and the runtime params file.
func (e *Engine) fingerprint(r *models.Recipe, stage *models.Stage, recipeHash string, inputs *stageInputs, paramsFileHash string) (string, error) {
	manifest, ok := e.registry.Manifest(stage.Module)
	if !ok {
		return "", fmt.Errorf("module '%s' not discovered", stage.Module)
	}

	manifestHash, err := hashFile(manifest.Path)
	if err != nil {
		return "", err
	}

	codeHash := ""

	if manifest.Path != "" {
		codeHash, err = hashDirTree(filepath.Dir(manifest.Path))
		if err != nil {
			return "", err
		}
	} else {
		// Built-ins have no files on disk. Their manifest identity is the
		// registered content and their code identity is the binary itself, so
		// a rebuild or a manifest edit still invalidates the cache.
		encoded, err := json.Marshal(manifest)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize manifest for '%s': %w", stage.Module, err)
		}

		manifestHash = hashBytes(encoded)
		codeHash = executableHash()
	}

	return computeFingerprint(fingerprintInput{
		recipeHash:     recipeHash,
		stage:          stage,
		manifestHash:   manifestHash,
		moduleCodeHash: codeHash,
		inputRefs:      inputs.refs,
		paramsFileHash: paramsFileHash,
	})
}

func (e *Engine) failStage(ctx context.Context, rs *models.RunState, recipeID, stageID string, attempts []models.Attempt, err error) error {
	now := time.Now().UTC()

	e.transition(ctx, rs, stageID, func(sr *models.StageRun) {
		sr.Status = models.StageFailed
		sr.Attempts = attempts
		sr.Error = err.Error()
		sr.FinishedAt = &now
		if sr.StartedAt != nil {
			sr.Duration = now.Sub(*sr.StartedAt)
		}
	}, events.StageFailed{
		BaseEvent: e.baseEvent(events.StageFailedEvent, rs.RunID, recipeID, stageID),
		Error:     err.Error(),
		Attempts:  attempts,
	})

	e.logger.Error("Stage failed", "run_id", rs.RunID, "stage_id", stageID, "error", err)

	return err
}
