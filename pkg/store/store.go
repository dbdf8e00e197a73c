// Package store implements the durable, versioned artifact store and its
// dependency graph. Artifacts are write-once: a later edit always creates a
// new version, never mutates an existing one.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fabrica-io/fabrica/pkg/models"
)

const (
	artifactsDir = "artifacts"
	metaFile     = "meta.json"
	payloadFile  = "payload.json"
	dirPerm      = 0o755
	filePerm     = 0o644
)

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrVersionExists = errors.New("artifact version already exists")
)

// Store owns artifact payloads, metadata and the dependency graph under a
// project root. Safe for concurrent use: version allocation is serialized
// per (type, entity) pair, graph writes are serialized globally.
type Store struct {
	root   string
	logger *slog.Logger
	graph  *Graph

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

// Open creates or reopens the store rooted at projectRoot, rebuilding the
// dependency graph from the persisted graph file.
func Open(projectRoot string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(projectRoot, artifactsDir), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}

	graph, err := openGraph(filepath.Join(projectRoot, artifactsDir, "graph.json"))
	if err != nil {
		return nil, err
	}

	return &Store{
		root:   projectRoot,
		logger: logger.With("component", "store"),
		graph:  graph,
		pairs:  make(map[string]*sync.Mutex),
	}, nil
}

// Graph exposes the dependency graph for health queries.
func (s *Store) Graph() *Graph {
	return s.graph
}

// Save persists a new version of (artifactType, entityID). The version is
// always max(existing)+1; an existing version directory is never
// overwritten. Lineage declared in meta registers dependency edges, and any
// dependents of older versions of this pair are marked stale.
func (s *Store) Save(artifactType, entityID string, payload json.RawMessage, meta models.ArtifactMeta) (models.ArtifactRef, error) {
	if artifactType == "" {
		return models.ArtifactRef{}, errors.New("artifact type is required")
	}

	pairLock := s.pairLock(artifactType, entityID)
	pairLock.Lock()
	defer pairLock.Unlock()

	versions, err := s.ListVersions(artifactType, entityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.ArtifactRef{}, err
	}

	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}

	ref := models.ArtifactRef{
		Type:     artifactType,
		EntityID: entityID,
		Version:  next,
	}
	versionDir := s.versionDir(ref)
	ref.Path = versionDir

	if _, err := os.Stat(versionDir); err == nil {
		return models.ArtifactRef{}, fmt.Errorf("%w: %s", ErrVersionExists, ref.Key())
	}

	if err := os.MkdirAll(versionDir, dirPerm); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("failed to create version directory: %w", err)
	}

	if meta.Health == "" {
		meta.Health = models.HealthValid
	}

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	if err := s.writeVersion(versionDir, payload, meta); err != nil {
		return models.ArtifactRef{}, err
	}

	supersededDependents, err := s.graph.register(ref, meta)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	s.logger.Debug("Saved artifact",
		"ref", ref.Key(),
		"lineage", len(meta.Lineage),
		"stale_dependents", supersededDependents)

	return ref, nil
}

// Load reads one stored version.
func (s *Store) Load(ref models.ArtifactRef) (*models.Artifact, error) {
	versionDir := s.versionDir(ref)

	metaBytes, err := os.ReadFile(filepath.Join(versionDir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
		}

		return nil, fmt.Errorf("failed to read artifact metadata: %w", err)
	}

	var meta models.ArtifactMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("corrupt artifact metadata at %s: %w", versionDir, err)
	}

	payload, err := os.ReadFile(filepath.Join(versionDir, payloadFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact payload: %w", err)
	}

	ref.Path = versionDir

	return &models.Artifact{Ref: ref, Meta: meta, Payload: payload}, nil
}

// Exists reports whether the referenced version is present on disk.
func (s *Store) Exists(ref models.ArtifactRef) bool {
	_, err := os.Stat(filepath.Join(s.versionDir(ref), metaFile))

	return err == nil
}

// ListVersions returns every stored version of (artifactType, entityID),
// ascending by version.
func (s *Store) ListVersions(artifactType, entityID string) ([]models.ArtifactRef, error) {
	pairDir := s.pairDir(artifactType, entityID)

	entries, err := os.ReadDir(pairDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, artifactType, entityOrMarker(entityID))
		}

		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	refs := make([]models.ArtifactRef, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "v") {
			continue
		}

		version, err := strconv.Atoi(entry.Name()[1:])
		if err != nil || version < 1 {
			continue
		}

		refs = append(refs, models.ArtifactRef{
			Type:     artifactType,
			EntityID: entityID,
			Version:  version,
			Path:     filepath.Join(pairDir, entry.Name()),
		})
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, artifactType, entityOrMarker(entityID))
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Version < refs[j].Version })

	return refs, nil
}

// Latest returns the newest version of (artifactType, entityID).
func (s *Store) Latest(artifactType, entityID string) (models.ArtifactRef, error) {
	versions, err := s.ListVersions(artifactType, entityID)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	return versions[len(versions)-1], nil
}

// ListEntities returns every entity that has at least one version of the
// given artifact type, sorted. The project marker maps back to "".
func (s *Store) ListEntities(artifactType string) ([]string, error) {
	typeDir := filepath.Join(s.root, artifactsDir, artifactType)

	entries, err := os.ReadDir(typeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		if name == models.ProjectEntity {
			name = ""
		}

		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

// Confirm marks an artifact confirmed_valid; confirmed artifacts are exempt
// from automatic staleness.
func (s *Store) Confirm(ref models.ArtifactRef) error {
	if !s.Exists(ref) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
	}

	return s.graph.setHealth(ref, models.HealthConfirmedValid, models.ArtifactRef{})
}

// RequestRevision marks an artifact needs_revision. The revision itself is a
// later Save of a new version.
func (s *Store) RequestRevision(ref models.ArtifactRef) error {
	if !s.Exists(ref) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
	}

	return s.graph.setHealth(ref, models.HealthNeedsRevision, models.ArtifactRef{})
}

func (s *Store) pairLock(artifactType, entityID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := artifactType + "/" + entityOrMarker(entityID)

	lock, ok := s.pairs[key]
	if !ok {
		lock = &sync.Mutex{}
		s.pairs[key] = lock
	}

	return lock
}

func (s *Store) pairDir(artifactType, entityID string) string {
	return filepath.Join(s.root, artifactsDir, artifactType, entityOrMarker(entityID))
}

func (s *Store) versionDir(ref models.ArtifactRef) string {
	return filepath.Join(s.pairDir(ref.Type, ref.EntityID), "v"+strconv.Itoa(ref.Version))
}

func (s *Store) writeVersion(versionDir string, payload json.RawMessage, meta models.ArtifactMeta) error {
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}

	if err := writeExclusive(filepath.Join(versionDir, metaFile), metaBytes); err != nil {
		return err
	}

	if payload == nil {
		payload = json.RawMessage("null")
	}

	return writeExclusive(filepath.Join(versionDir, payloadFile), payload)
}

// writeExclusive refuses to replace an existing file: version slots are
// append-only.
func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return f.Close()
}

func entityOrMarker(entityID string) string {
	if entityID == "" {
		return models.ProjectEntity
	}

	return entityID
}
