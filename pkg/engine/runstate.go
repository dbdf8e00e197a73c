package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/fabrica-io/fabrica/pkg/models"
)

const (
	runsDir       = "runs"
	runStateFile  = "state.json"
	eventLogFile  = "events.jsonl"
	runLockFile   = "run.lock"
	orphanMessage = "orphaned: owning process exited before this stage reached a terminal state"
)

func runDir(projectRoot, runID string) string {
	return filepath.Join(projectRoot, runsDir, runID)
}

// LoadRunState reads a persisted run from disk. The file, not memory, is the
// source of truth after a crash.
func LoadRunState(projectRoot, runID string) (*models.RunState, error) {
	data, err := os.ReadFile(filepath.Join(runDir(projectRoot, runID), runStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run '%s' not found", runID)
		}

		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var rs models.RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("corrupt run state for '%s': %w", runID, err)
	}

	return &rs, nil
}

// ListRuns returns the IDs of every persisted run, sorted.
func ListRuns(projectRoot string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(projectRoot, runsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// acquireRunLock records the owning pid in the run directory so status
// readers can tell a live run from a crashed one.
func acquireRunLock(projectRoot, runID string) error {
	return atomicWrite(filepath.Join(runDir(projectRoot, runID), runLockFile),
		[]byte(strconv.Itoa(os.Getpid())))
}

func releaseRunLock(projectRoot, runID string) {
	_ = os.Remove(filepath.Join(runDir(projectRoot, runID), runLockFile))
}

// RunLockHeld reports whether a live process still owns the run: the lock
// file exists and the pid it names is running.
func RunLockHeld(projectRoot, runID string) bool {
	data, err := os.ReadFile(filepath.Join(runDir(projectRoot, runID), runLockFile))
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}

	return pidAlive(pid)
}

func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes existence. EPERM means the pid exists but belongs to
	// another user, which still counts as alive.
	err = process.Signal(syscall.Signal(0))

	return err == nil || errors.Is(err, syscall.EPERM)
}

// Orphaned reports whether a run belongs to a dead process: it never reached
// a terminal state and nothing alive holds its lock.
func Orphaned(projectRoot string, rs *models.RunState) bool {
	return rs.FinishedAt == nil && !RunLockHeld(projectRoot, rs.RunID)
}

// MarkOrphaned reclassifies a run whose process died mid-flight: any stage
// still running or pending with no live execution behind it is surfaced as
// failed with an explicit orphan marker instead of false progress. Callers
// must check Orphaned first; a live run keeps its lock and is left alone.
func MarkOrphaned(rs *models.RunState) bool {
	if rs.FinishedAt != nil {
		return false
	}

	changed := false

	for _, sr := range rs.Stages {
		if sr.Status == models.StageRunning || sr.Status == models.StagePending {
			sr.Status = models.StageFailed
			sr.Orphaned = true
			sr.Error = orphanMessage
			changed = true
		}
	}

	if changed {
		rs.Status = models.RunStatusFailed
		if rs.Error == "" {
			rs.Error = orphanMessage
		}
	}

	return changed
}

// SaveRunState persists an externally reclassified run, e.g. after orphan
// marking by a status reader.
func SaveRunState(projectRoot string, rs *models.RunState) error {
	return persistRunState(projectRoot, rs)
}

// persistRunState rewrites the state file in full (never a diff) via atomic
// rename, so any reader sees a self-consistent snapshot even if the writer
// crashes mid-run.
func persistRunState(projectRoot string, rs *models.RunState) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	return atomicWrite(filepath.Join(runDir(projectRoot, rs.RunID), runStateFile), data)
}
