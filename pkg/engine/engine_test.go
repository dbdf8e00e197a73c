package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/otelhelper"
	"github.com/fabrica-io/fabrica/pkg/protocol"
	"github.com/fabrica-io/fabrica/pkg/registry"
	"github.com/fabrica-io/fabrica/pkg/store"
)

const testModuleID = "test_module"

type testEnv struct {
	root     string
	engine   *Engine
	store    *store.Store
	registry *registry.Registry

	mu        sync.Mutex
	execCount map[string]int
	behavior  map[string]func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error)
}

type fakeModule struct {
	env *testEnv
}

func (m *fakeModule) ID() string { return testModuleID }

func (m *fakeModule) Run(_ context.Context, in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
	m.env.mu.Lock()
	m.env.execCount[in.StageID]++
	behavior := m.env.behavior[in.StageID]
	m.env.mu.Unlock()

	if behavior != nil {
		return behavior(in)
	}

	payload, _ := json.Marshal(map[string]string{"stage": in.StageID})

	return &protocol.ExecutionResult{
		Artifacts: []protocol.ArtifactSpec{{
			Type:     "doc",
			EntityID: in.StageID,
			Payload:  payload,
		}},
		Cost: models.CostRecord{InputTokens: 10, OutputTokens: 5, USD: 0.01},
	}, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(root, logger)
	require.NoError(t, err)

	moduleDir := filepath.Join(root, "modules", "generate", testModuleID)
	require.NoError(t, os.MkdirAll(moduleDir, 0o755))

	manifest := fmt.Sprintf(`{"module_id":"%s","stage":"generate","input_schemas":["doc"],"output_schemas":["doc"]}`, testModuleID)
	require.NoError(t, os.WriteFile(filepath.Join(moduleDir, "manifest.json"), []byte(manifest), 0o644))

	reg := registry.NewRegistry(logger)
	require.NoError(t, reg.Discover(filepath.Join(root, "modules")))

	env := &testEnv{
		root:      root,
		store:     st,
		registry:  reg,
		execCount: make(map[string]int),
		behavior:  make(map[string]func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error)),
	}

	reg.RegisterFactory(testModuleID, func() (protocol.Module, error) {
		return &fakeModule{env: env}, nil
	})

	eng, err := New(root, st, reg, logger, Options{Workers: 2})
	require.NoError(t, err)

	env.engine = eng

	return env
}

func (env *testEnv) executions(stageID string) int {
	env.mu.Lock()
	defer env.mu.Unlock()

	return env.execCount[stageID]
}

func (env *testEnv) setBehavior(stageID string, fn func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error)) {
	env.mu.Lock()
	defer env.mu.Unlock()

	env.behavior[stageID] = fn
}

func diamondRecipe() *models.Recipe {
	return &models.Recipe{
		RecipeID: "test-recipe",
		Resilience: models.ResiliencePolicy{
			MaxAttempts: 1,
			BaseDelayMS: 1,
		},
		Stages: []*models.Stage{
			{ID: "A", Module: testModuleID},
			{ID: "B", Module: testModuleID, Needs: map[string]string{"in": "A"}},
			{ID: "C", Module: testModuleID, Needs: map[string]string{"in": "A"}},
		},
		Raw: []byte(`recipe: test-recipe`),
	}
}

func TestRunExecutesAllWaves(t *testing.T) {
	env := newTestEnv(t)

	rs, err := env.engine.Run(context.Background(), diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, rs.Status)
	require.NotNil(t, rs.FinishedAt)

	for _, id := range []string{"A", "B", "C"} {
		sr := rs.Stages[id]
		assert.Equal(t, models.StageDone, sr.Status, "stage %s", id)
		assert.Len(t, sr.Artifacts, 1, "stage %s", id)
		assert.NotEmpty(t, sr.Fingerprint, "stage %s", id)
		assert.Equal(t, 1, env.executions(id), "stage %s", id)
	}

	assert.InDelta(t, 0.03, rs.TotalCost.USD, 1e-9)
	assert.EqualValues(t, 30, rs.TotalCost.InputTokens)

	// The state file on disk matches the returned state.
	persisted, err := LoadRunState(env.root, rs.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, persisted.Status)
	assert.Equal(t, models.StageDone, persisted.Stages["B"].Status)

	lines, err := ReadEventLog(env.root, rs.RunID)
	require.NoError(t, err)
	assert.Equal(t, "run_started", eventTypeOf(t, lines[0]))
	assert.Equal(t, "run_finished", eventTypeOf(t, lines[len(lines)-1]))
}

func TestRunConsumersSeeUpstreamPayloads(t *testing.T) {
	env := newTestEnv(t)

	var seen []json.RawMessage

	env.setBehavior("B", func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
		seen = in.Inputs["in"]

		return &protocol.ExecutionResult{}, nil
	})

	_, err := env.engine.Run(context.Background(), diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.JSONEq(t, `{"stage":"A"}`, string(seen[0]))
}

func TestRunReusesCachedStages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	rs, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, rs.Status)

	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, models.StageSkippedReused, rs.Stages[id].Status, "stage %s", id)
		assert.Equal(t, 1, env.executions(id), "stage %s should not re-run", id)
	}
}

func TestRunForceRecomputesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	rs, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{Force: true})
	require.NoError(t, err)

	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, models.StageDone, rs.Stages[id].Status, "stage %s", id)
		assert.Equal(t, 2, env.executions(id), "stage %s", id)
	}
}

func TestRunParamChangeInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	changed := diamondRecipe()
	changed.Stages[0].Params = map[string]any{"tone": "formal"}

	rs, err := env.engine.Run(ctx, changed, RunOptions{})
	require.NoError(t, err)

	// A recomputes for its params; B and C recompute because their upstream
	// reference moved to A's new artifact version.
	assert.Equal(t, models.StageDone, rs.Stages["A"].Status)
	assert.Equal(t, 2, env.executions("A"))
	assert.Equal(t, models.StageDone, rs.Stages["B"].Status)
	assert.Equal(t, 2, env.executions("B"))
}

func TestRunRecipeEditInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	edited := diamondRecipe()
	edited.Raw = []byte(`recipe: test-recipe # edited`)

	rs, err := env.engine.Run(ctx, edited, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StageDone, rs.Stages["A"].Status)
	assert.Equal(t, 2, env.executions("A"))
}

func TestRunFatalFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t)

	r := diamondRecipe()
	r.Stages = append(r.Stages, &models.Stage{
		ID: "D", Module: testModuleID, Needs: map[string]string{"in": "B"},
	})

	env.setBehavior("B", func(protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
		return nil, errors.New("malformed module output")
	})

	rs, err := env.engine.Run(context.Background(), r, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage 'B'")

	assert.Equal(t, models.RunStatusFailed, rs.Status)
	assert.Equal(t, models.StageDone, rs.Stages["A"].Status)
	assert.Equal(t, models.StageFailed, rs.Stages["B"].Status)
	require.Len(t, rs.Stages["B"].Attempts, 1)
	assert.Equal(t, "fatal", rs.Stages["B"].Attempts[0].ErrorClass)

	// The sibling in the same wave runs to completion; the dependent of the
	// failed stage never starts.
	assert.Equal(t, models.StageDone, rs.Stages["C"].Status)
	assert.Equal(t, models.StagePending, rs.Stages["D"].Status)
	assert.Equal(t, 0, env.executions("D"))
}

func TestRunRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t)

	r := diamondRecipe()
	r.Resilience.MaxAttempts = 3

	var calls int

	env.setBehavior("A", func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
		calls++
		if calls == 1 {
			return nil, protocol.Transient(errors.New("provider overloaded"), 529)
		}

		payload, _ := json.Marshal(map[string]string{"stage": in.StageID})

		return &protocol.ExecutionResult{
			Artifacts: []protocol.ArtifactSpec{{Type: "doc", EntityID: "A", Payload: payload}},
		}, nil
	})

	rs, err := env.engine.Run(context.Background(), r, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, rs.Status)
	assert.Equal(t, models.StageDone, rs.Stages["A"].Status)
	require.Len(t, rs.Stages["A"].Attempts, 2)
	assert.False(t, rs.Stages["A"].Attempts[0].Succeeded)
	assert.True(t, rs.Stages["A"].Attempts[1].Succeeded)

	lines, err := ReadEventLog(env.root, rs.RunID)
	require.NoError(t, err)
	assert.True(t, containsEventType(t, lines, "stage_retrying"))
}

func TestRunPausedStageLeavesDependentsPending(t *testing.T) {
	env := newTestEnv(t)

	r := diamondRecipe()
	r.Stages = append(r.Stages, &models.Stage{
		ID: "D", Module: testModuleID, Needs: map[string]string{"in": "B"},
	})

	env.setBehavior("B", func(protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
		return &protocol.ExecutionResult{Paused: true, PauseReason: "awaiting editorial review"}, nil
	})

	rs, err := env.engine.Run(context.Background(), r, RunOptions{})
	require.NoError(t, err, "a paused run is not a failure")

	assert.Equal(t, models.RunStatusPaused, rs.Status)
	assert.Equal(t, models.StagePaused, rs.Stages["B"].Status)
	assert.Equal(t, "awaiting editorial review", rs.Stages["B"].PauseReason)
	assert.Equal(t, models.StageDone, rs.Stages["C"].Status)
	assert.Equal(t, models.StagePending, rs.Stages["D"].Status)
	assert.Equal(t, 0, env.executions("D"))
	assert.Empty(t, rs.Error)
}

func TestRunDryRunExecutesNothing(t *testing.T) {
	env := newTestEnv(t)

	rs, err := env.engine.Run(context.Background(), diamondRecipe(), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, rs.DryRun)
	assert.Equal(t, models.RunStatusCompleted, rs.Status)

	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, models.StagePending, rs.Stages[id].Status)
		assert.Equal(t, 0, env.executions(id))
	}

	lines, err := ReadEventLog(env.root, rs.RunID)
	require.NoError(t, err)
	assert.True(t, containsEventType(t, lines, "dry_run_validated"))
}

func TestRunResumeFromStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	rs, err := env.engine.Run(ctx, diamondRecipe(), RunOptions{StartFrom: "B", Force: true})
	require.NoError(t, err)

	assert.Equal(t, models.StageSkippedReused, rs.Stages["A"].Status)
	assert.Equal(t, 1, env.executions("A"), "upstream of the resume point must not re-run")
	assert.Equal(t, models.StageDone, rs.Stages["B"].Status)
	assert.Equal(t, 2, env.executions("B"))
}

func TestRunResumeWithoutCachedUpstreamFails(t *testing.T) {
	env := newTestEnv(t)

	rs, err := env.engine.Run(context.Background(), diamondRecipe(), RunOptions{StartFrom: "B"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached result")
	assert.Equal(t, models.RunStatusFailed, rs.Status)
}

func TestRunResumeFromUnknownStageFails(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Run(context.Background(), diamondRecipe(), RunOptions{StartFrom: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not part of recipe")
}

func TestRunRejectsInvalidRecipe(t *testing.T) {
	env := newTestEnv(t)

	r := diamondRecipe()
	r.Stages[1].Needs["extra"] = "missing-stage"

	_, err := env.engine.Run(context.Background(), r, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed validation")
}

func TestRunArtifactLineageRecordsInputs(t *testing.T) {
	env := newTestEnv(t)

	rs, err := env.engine.Run(context.Background(), diamondRecipe(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, rs.Stages["B"].Artifacts, 1)

	artifact, err := env.store.Load(rs.Stages["B"].Artifacts[0])
	require.NoError(t, err)
	require.Len(t, artifact.Meta.Lineage, 1)
	assert.Equal(t, rs.Stages["A"].Artifacts[0], artifact.Meta.Lineage[0])
	assert.Equal(t, testModuleID, artifact.Meta.ProducedBy)
}

func TestRunResolvesStoreInputs(t *testing.T) {
	env := newTestEnv(t)
	env.registry.RegisterSchema("notes")

	seedRef, err := env.store.Save("doc", "", json.RawMessage(`{"seed":true}`),
		models.ArtifactMeta{ProducedBy: "ingest", Health: models.HealthValid})
	require.NoError(t, err)

	r := &models.Recipe{
		RecipeID:   "store-recipe",
		Resilience: models.ResiliencePolicy{MaxAttempts: 1},
		Stages: []*models.Stage{{
			ID:                  "S",
			Module:              testModuleID,
			StoreInputs:         map[string]string{"seed": "doc"},
			StoreInputsOptional: map[string]string{"extra": "notes"},
		}},
		Raw: []byte(`recipe: store-recipe`),
	}

	var got protocol.ExecutionInput

	env.setBehavior("S", func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
		got = in

		return &protocol.ExecutionResult{
			Artifacts: []protocol.ArtifactSpec{{Type: "doc", EntityID: "S", Payload: json.RawMessage(`{}`)}},
		}, nil
	})

	rs, err := env.engine.Run(context.Background(), r, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, rs.Status)

	require.Len(t, got.Inputs["seed"], 1)
	assert.JSONEq(t, `{"seed":true}`, string(got.Inputs["seed"][0]))
	assert.Empty(t, got.Inputs["extra"], "missing optional input degrades to absent")

	// The store-resolved reference joins the produced artifact's lineage.
	artifact, err := env.store.Load(rs.Stages["S"].Artifacts[0])
	require.NoError(t, err)
	require.Len(t, artifact.Meta.Lineage, 1)
	assert.Equal(t, seedRef.Key(), artifact.Meta.Lineage[0].Key())
}

func TestRunFailsOnUnhealthyStoreInput(t *testing.T) {
	env := newTestEnv(t)

	ref, err := env.store.Save("doc", "", json.RawMessage(`{"seed":true}`),
		models.ArtifactMeta{ProducedBy: "ingest", Health: models.HealthValid})
	require.NoError(t, err)
	require.NoError(t, env.store.RequestRevision(ref))

	r := &models.Recipe{
		RecipeID:   "store-recipe",
		Resilience: models.ResiliencePolicy{MaxAttempts: 1},
		Stages: []*models.Stage{{
			ID:          "S",
			Module:      testModuleID,
			StoreInputs: map[string]string{"seed": "doc"},
		}},
		Raw: []byte(`recipe: store-recipe`),
	}

	rs, err := env.engine.Run(context.Background(), r, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs_revision")
	assert.Equal(t, models.RunStatusFailed, rs.Status)
	assert.Equal(t, 0, env.executions("S"))
}

func TestMarkOrphaned(t *testing.T) {
	rs := &models.RunState{
		RunID:  "run-dead",
		Status: models.RunStatusRunning,
		Stages: map[string]*models.StageRun{
			"A": {Status: models.StageDone},
			"B": {Status: models.StageRunning},
			"C": {Status: models.StagePending},
		},
	}

	assert.True(t, MarkOrphaned(rs))
	assert.Equal(t, models.RunStatusFailed, rs.Status)
	assert.Equal(t, models.StageDone, rs.Stages["A"].Status)
	assert.Equal(t, models.StageFailed, rs.Stages["B"].Status)
	assert.True(t, rs.Stages["B"].Orphaned)
	assert.Equal(t, models.StageFailed, rs.Stages["C"].Status)

	finished := time.Now().UTC()
	done := &models.RunState{
		Status:     models.RunStatusCompleted,
		FinishedAt: &finished,
		Stages:     map[string]*models.StageRun{"A": {Status: models.StageDone}},
	}
	assert.False(t, MarkOrphaned(done))
}

func TestStageCachePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	cache, err := OpenStageCache(path)
	require.NoError(t, err)

	entry := models.CacheEntry{
		Artifacts:   []models.ArtifactRef{{Type: "doc", EntityID: "A", Version: 1, Path: "artifacts/doc/A/v1"}},
		Fingerprint: "abc123",
	}
	require.NoError(t, cache.Put("recipe-x", "A", entry))

	reopened, err := OpenStageCache(path)
	require.NoError(t, err)

	got, ok := reopened.Get("recipe-x", "A")
	require.True(t, ok)
	assert.Equal(t, "abc123", got.Fingerprint)
	assert.Equal(t, entry.Artifacts, got.Artifacts)

	_, ok = reopened.Get("recipe-x", "B")
	assert.False(t, ok)
}

func TestFingerprintIsDeterministicAndSensitive(t *testing.T) {
	stage := &models.Stage{
		ID:     "draft",
		Module: testModuleID,
		Params: map[string]any{"tone": "casual"},
		Needs:  map[string]string{"in": "outline"},
	}

	refs := map[string][]models.ArtifactRef{
		"in": {{Type: "doc", EntityID: "outline", Version: 1, Path: "artifacts/doc/outline/v1"}},
	}

	base := fingerprintInput{
		recipeHash:     "recipe-hash",
		stage:          stage,
		manifestHash:   "manifest-hash",
		moduleCodeHash: "code-hash",
		inputRefs:      refs,
	}

	first, err := computeFingerprint(base)
	require.NoError(t, err)

	again, err := computeFingerprint(base)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	bumped := base
	bumped.inputRefs = map[string][]models.ArtifactRef{
		"in": {{Type: "doc", EntityID: "outline", Version: 2, Path: "artifacts/doc/outline/v2"}},
	}

	other, err := computeFingerprint(bumped)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "a new upstream version must change the fingerprint")

	reparams := base
	reparams.stage = &models.Stage{
		ID:     "draft",
		Module: testModuleID,
		Params: map[string]any{"tone": "formal"},
		Needs:  map[string]string{"in": "outline"},
	}

	third, err := computeFingerprint(reparams)
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "changed params must change the fingerprint")
}

func TestRunHoldsLockWhileExecuting(t *testing.T) {
	env := newTestEnv(t)

	release := make(chan struct{})
	entered := make(chan struct{})

	env.setBehavior("A", func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
		close(entered)
		<-release

		payload, _ := json.Marshal(map[string]string{"stage": in.StageID})

		return &protocol.ExecutionResult{
			Artifacts: []protocol.ArtifactSpec{{Type: "doc", EntityID: "A", Payload: payload}},
		}, nil
	})

	var (
		rs     *models.RunState
		runErr error
	)

	done := make(chan struct{})

	go func() {
		defer close(done)

		rs, runErr = env.engine.Run(context.Background(), diamondRecipe(), RunOptions{})
	}()

	<-entered

	ids, err := ListRuns(env.root)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	live, err := LoadRunState(env.root, ids[0])
	require.NoError(t, err)
	require.Nil(t, live.FinishedAt)

	// The owner is alive, so a status reader must not reclassify the run.
	assert.True(t, RunLockHeld(env.root, ids[0]))
	assert.False(t, Orphaned(env.root, live))

	close(release)
	<-done

	require.NoError(t, runErr)
	assert.False(t, RunLockHeld(env.root, rs.RunID), "finishing releases the lock")

	final, err := LoadRunState(env.root, rs.RunID)
	require.NoError(t, err)
	assert.False(t, Orphaned(env.root, final))
}

func TestOrphanedRequiresDeadOwner(t *testing.T) {
	root := t.TempDir()

	rs := &models.RunState{
		RunID:     "run-crash",
		RecipeID:  "test-recipe",
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Stages:    map[string]*models.StageRun{"A": {Status: models.StageRunning}},
	}
	require.NoError(t, persistRunState(root, rs))

	// No lock file at all: the owner is gone.
	assert.True(t, Orphaned(root, rs))

	// A lock naming a pid that cannot exist: the owner died without cleanup.
	lockPath := filepath.Join(root, runsDir, rs.RunID, runLockFile)
	require.NoError(t, os.WriteFile(lockPath, []byte("99999999"), 0o644))
	assert.True(t, Orphaned(root, rs))

	// A lock naming this live process keeps the run off limits.
	require.NoError(t, acquireRunLock(root, rs.RunID))
	assert.False(t, Orphaned(root, rs))

	finished := time.Now().UTC()
	rs.FinishedAt = &finished
	assert.False(t, Orphaned(root, rs))
}

func TestRunFallbackSwitchesTarget(t *testing.T) {
	env := newTestEnv(t)

	r := diamondRecipe()
	r.Resilience.MaxAttempts = 3
	r.Resilience.Fallbacks = []string{"primary-model", "backup-model"}

	env.setBehavior("A", func(in protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
		if in.Target == "primary-model" {
			return nil, protocol.Transient(errors.New("provider overloaded"), 529)
		}

		payload, _ := json.Marshal(map[string]string{"stage": in.StageID})

		return &protocol.ExecutionResult{
			Artifacts: []protocol.ArtifactSpec{{Type: "doc", EntityID: "A", Payload: payload}},
		}, nil
	})

	rs, err := env.engine.Run(context.Background(), r, RunOptions{})
	require.NoError(t, err)

	sr := rs.Stages["A"]
	assert.Equal(t, models.StageDone, sr.Status)
	assert.Equal(t, "backup-model", sr.ModelUsed)
	require.Len(t, sr.Attempts, 2)
	assert.Equal(t, "primary-model", sr.Attempts[0].Target)
	assert.False(t, sr.Attempts[0].Succeeded)
	assert.Equal(t, "backup-model", sr.Attempts[1].Target)
	assert.True(t, sr.Attempts[1].Succeeded)

	lines, err := ReadEventLog(env.root, rs.RunID)
	require.NoError(t, err)
	assert.True(t, containsEventType(t, lines, "stage_fallback"))
}

func TestFingerprintCoversBuiltinModuleIdentity(t *testing.T) {
	env := newTestEnv(t)

	manifest := &models.ModuleManifest{
		ModuleID:      "inline_module",
		Stage:         "generate",
		OutputSchemas: []string{"doc"},
	}
	require.NoError(t, env.registry.RegisterManifest(manifest))

	stage := &models.Stage{ID: "S", Module: "inline_module"}
	inputs := &stageInputs{refs: map[string][]models.ArtifactRef{}}

	first, err := env.engine.fingerprint(diamondRecipe(), stage, "recipe-hash", inputs, "")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	again, err := env.engine.fingerprint(diamondRecipe(), stage, "recipe-hash", inputs, "")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// A compiled-in module's identity is its registered manifest content plus
	// the binary, so a manifest change must move the fingerprint.
	manifest.Parameters = map[string]any{"type": "object"}

	second, err := env.engine.fingerprint(diamondRecipe(), stage, "recipe-hash", inputs, "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.NotEmpty(t, executableHash(), "the running binary must always hash")
}

func TestRunStageSpansCarryExecutionAttributes(t *testing.T) {
	env := newTestEnv(t)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := New(env.root, env.store, env.registry, logger, Options{Workers: 1, Tracer: tp.Tracer("test")})
	require.NoError(t, err)

	r := diamondRecipe()
	r.Resilience.Fallbacks = []string{"primary-model"}

	_, err = eng.Run(context.Background(), r, RunOptions{})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}

	assert.Equal(t, "A", attrs[attribute.Key(otelhelper.StageIDKey)].AsString())
	assert.Equal(t, "primary-model", attrs[attribute.Key(otelhelper.TargetKey)].AsString())
	assert.EqualValues(t, 1, attrs[attribute.Key(otelhelper.AttemptKey)].AsInt64())
	assert.NotEmpty(t, attrs[attribute.Key(otelhelper.FingerprintKey)].AsString())
}

func eventTypeOf(t *testing.T, line json.RawMessage) string {
	t.Helper()

	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(line, &envelope))

	return envelope.Type
}

func containsEventType(t *testing.T, lines []json.RawMessage, eventType string) bool {
	t.Helper()

	for _, line := range lines {
		if eventTypeOf(t, line) == eventType {
			return true
		}
	}

	return false
}
