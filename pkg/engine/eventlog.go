package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fabrica-io/fabrica/pkg/events"
)

// appendEvent writes one event line to the run's append-only log and mirrors
// it on the event bus when one is attached. The log file is the durable
// record; bus delivery is best effort.
func (e *Engine) appendEvent(ctx context.Context, runID string, event events.Event) {
	e.logMu.Lock()
	defer e.logMu.Unlock()

	line, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to marshal event", "type", event.GetType(), "error", err)

		return
	}

	path := filepath.Join(runDir(e.projectRoot, runID), eventLogFile)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		e.logger.Error("Failed to open event log", "path", path, "error", err)

		return
	}

	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		e.logger.Error("Failed to append event", "path", path, "error", err)
	}

	_ = f.Close()

	if e.bus != nil {
		if err := e.bus.Publish(ctx, event); err != nil {
			e.logger.Warn("Failed to publish event on bus", "type", event.GetType(), "error", err)
		}
	}
}

// ReadEventLog returns every event line recorded for a run, oldest first.
func ReadEventLog(projectRoot, runID string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(runDir(projectRoot, runID), eventLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	var lines []json.RawMessage

	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}

		lines = append(lines, json.RawMessage(line))
	}

	return lines, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte

	start := 0

	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}

	if start < len(data) {
		lines = append(lines, data[start:])
	}

	return lines
}

func (e *Engine) baseEvent(eventType events.EventType, runID, recipeID, stageID string) events.BaseEvent {
	return events.BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		RecipeID:  recipeID,
		StageID:   stageID,
	}
}
