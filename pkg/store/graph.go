package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fabrica-io/fabrica/pkg/models"
)

// StaleEntry explains why an artifact is stale: CausedBy is the lineage
// ancestor that was superseded by a newer version.
type StaleEntry struct {
	Ref      models.ArtifactRef `json:"ref"`
	CausedBy models.ArtifactRef `json:"caused_by"`
}

type graphNode struct {
	Ref        models.ArtifactRef  `json:"ref"`
	Health     models.Health       `json:"health"`
	StaleCause *models.ArtifactRef `json:"stale_cause,omitempty"`
}

type graphFile struct {
	Nodes map[string]*graphNode `json:"nodes"`
	// Edges maps an ancestor's key to the keys of its direct dependents.
	Edges map[string][]string `json:"edges"`
}

// Graph tracks which artifact depends on what and each node's current
// health. It supports concurrent reads during a wave; writes are serialized.
// The graph file is rewritten in full on every mutation.
type Graph struct {
	path string

	mu    sync.RWMutex
	nodes map[string]*graphNode
	edges map[string][]string
}

func openGraph(path string) (*Graph, error) {
	g := &Graph{
		path:  path,
		nodes: make(map[string]*graphNode),
		edges: make(map[string][]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}

		return nil, fmt.Errorf("failed to read dependency graph: %w", err)
	}

	var file graphFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("corrupt dependency graph at %s: %w", path, err)
	}

	if file.Nodes != nil {
		g.nodes = file.Nodes
	}

	if file.Edges != nil {
		g.edges = file.Edges
	}

	return g, nil
}

// Health returns the current health of the referenced artifact.
func (g *Graph) Health(ref models.ArtifactRef) (models.Health, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[ref.Key()]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
	}

	return node.Health, nil
}

// Dependents returns the direct dependents of ref, sorted by key.
func (g *Graph) Dependents(ref models.ArtifactRef) []models.ArtifactRef {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := append([]string(nil), g.edges[ref.Key()]...)
	sort.Strings(keys)

	refs := make([]models.ArtifactRef, 0, len(keys))

	for _, key := range keys {
		if node, ok := g.nodes[key]; ok {
			refs = append(refs, node.Ref)
		}
	}

	return refs
}

// StaleSet returns every stale artifact with its causing ancestor, sorted by
// key.
func (g *Graph) StaleSet() []StaleEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entries := make([]StaleEntry, 0)

	for _, node := range g.nodes {
		if node.Health != models.HealthStale || node.StaleCause == nil {
			continue
		}

		entries = append(entries, StaleEntry{Ref: node.Ref, CausedBy: *node.StaleCause})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ref.Key() < entries[j].Ref.Key()
	})

	return entries
}

// register adds the node and its lineage edges, then marks every direct and
// transitive dependent of the superseded older versions stale. Returns the
// number of dependents marked.
func (g *Graph) register(ref models.ArtifactRef, meta models.ArtifactMeta) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := ref.Key()

	health := meta.Health
	if health == "" {
		health = models.HealthValid
	}

	g.nodes[key] = &graphNode{Ref: ref, Health: health}

	for _, ancestor := range meta.Lineage {
		ancestorKey := ancestor.Key()
		if !contains(g.edges[ancestorKey], key) {
			g.edges[ancestorKey] = append(g.edges[ancestorKey], key)
		}
	}

	marked := 0

	for _, node := range g.nodes {
		if node.Ref.PairKey() != ref.PairKey() || node.Ref.Version >= ref.Version {
			continue
		}

		marked += g.markDependentsStale(node.Ref)
	}

	return marked, g.persist()
}

func (g *Graph) setHealth(ref models.ArtifactRef, health models.Health, cause models.ArtifactRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := ref.Key()

	node, ok := g.nodes[key]
	if !ok {
		node = &graphNode{Ref: ref}
		g.nodes[key] = node
	}

	node.Health = health

	if health == models.HealthStale {
		node.StaleCause = &cause
	} else {
		node.StaleCause = nil
	}

	return g.persist()
}

// markDependentsStale walks every transitive dependent of the superseded
// ancestor and marks those not at confirmed_valid stale, recording the
// ancestor as the cause. Traversal continues through confirmed nodes so
// their own dependents are still reached.
func (g *Graph) markDependentsStale(superseded models.ArtifactRef) int {
	marked := 0
	visited := map[string]struct{}{superseded.Key(): {}}
	queue := append([]string(nil), g.edges[superseded.Key()]...)

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]

		if _, seen := visited[key]; seen {
			continue
		}

		visited[key] = struct{}{}

		node, ok := g.nodes[key]
		if !ok {
			continue
		}

		if node.Health != models.HealthConfirmedValid {
			node.Health = models.HealthStale
			cause := superseded
			node.StaleCause = &cause
			marked++
		}

		queue = append(queue, g.edges[key]...)
	}

	return marked
}

// persist rewrites the graph file in full via rename so readers never see a
// torn write. Callers hold g.mu.
func (g *Graph) persist() error {
	file := graphFile{Nodes: g.nodes, Edges: g.edges}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dependency graph: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(g.path), ".graph-*")
	if err != nil {
		return fmt.Errorf("failed to create graph temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write dependency graph: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close graph temp file: %w", err)
	}

	return os.Rename(tmp.Name(), g.path)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}

	return false
}
