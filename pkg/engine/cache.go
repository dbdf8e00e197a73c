package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fabrica-io/fabrica/pkg/models"
)

// StageCache maps (recipe_id, stage_id) to the artifacts a stage produced
// and the fingerprint that produced them. It only decides reuse: deleting
// the cache file never loses data, it only forces recomputation.
type StageCache struct {
	path string

	mu      sync.Mutex
	entries map[string]map[string]models.CacheEntry
}

func OpenStageCache(path string) (*StageCache, error) {
	c := &StageCache{
		path:    path,
		entries: make(map[string]map[string]models.CacheEntry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}

		return nil, fmt.Errorf("failed to read stage cache: %w", err)
	}

	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("corrupt stage cache at %s: %w", path, err)
	}

	return c, nil
}

func (c *StageCache) Get(recipeID, stageID string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[recipeID][stageID]

	return entry, ok
}

// Put records a stage result and rewrites the cache file in full via rename.
func (c *StageCache) Put(recipeID, stageID string, entry models.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}

	if c.entries[recipeID] == nil {
		c.entries[recipeID] = make(map[string]models.CacheEntry)
	}

	c.entries[recipeID][stageID] = entry

	return c.persist()
}

// persist writes the whole cache atomically. Callers hold c.mu.
func (c *StageCache) persist() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stage cache: %w", err)
	}

	return atomicWrite(c.path, data)
}

// atomicWrite writes data to path via temp file and rename so a reader never
// observes a partially written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}

	return os.Rename(tmp.Name(), path)
}
