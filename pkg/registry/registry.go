// Package registry discovers stage module manifests on disk and binds each
// module_id to a compiled implementation.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/protocol"
)

var ErrDuplicateModule = errors.New("duplicate module_id")

// Registry is read-only after discovery; re-run Discover to pick up new
// modules. There is no hot-reload within a run.
type Registry struct {
	logger    *slog.Logger
	validate  *validator.Validate
	manifests map[string]*models.ModuleManifest
	factories map[string]protocol.ModuleFactory
	schemas   map[string]struct{}
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("component", "registry"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		manifests: make(map[string]*models.ModuleManifest),
		factories: make(map[string]protocol.ModuleFactory),
		schemas:   make(map[string]struct{}),
	}
}

// RegisterFactory binds a module_id to its compiled implementation. Modules
// are statically linked; the registry never loads code at runtime.
func (r *Registry) RegisterFactory(moduleID string, factory protocol.ModuleFactory) {
	r.factories[moduleID] = factory
}

// RegisterManifest registers a manifest that does not live on disk, for
// statically compiled built-in modules.
func (r *Registry) RegisterManifest(manifest *models.ModuleManifest) error {
	return r.addManifest(manifest)
}

// RegisterSchema registers an artifact-type schema name so recipes may
// reference it in store_inputs.
func (r *Registry) RegisterSchema(name string) {
	r.schemas[name] = struct{}{}
}

// Manifest returns the discovered manifest for moduleID.
func (r *Registry) Manifest(moduleID string) (*models.ModuleManifest, bool) {
	manifest, ok := r.manifests[moduleID]

	return manifest, ok
}

// Manifests returns every discovered manifest sorted by module_id.
func (r *Registry) Manifests() []*models.ModuleManifest {
	ids := make([]string, 0, len(r.manifests))
	for id := range r.manifests {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	manifests := make([]*models.ModuleManifest, 0, len(ids))
	for _, id := range ids {
		manifests = append(manifests, r.manifests[id])
	}

	return manifests
}

// HasSchema reports whether an artifact-type schema name is registered,
// either explicitly or through a discovered manifest's declared schemas.
func (r *Registry) HasSchema(name string) bool {
	_, ok := r.schemas[name]

	return ok
}

// CreateModule instantiates the implementation bound to moduleID.
func (r *Registry) CreateModule(moduleID string) (protocol.Module, error) {
	if _, ok := r.manifests[moduleID]; !ok {
		return nil, fmt.Errorf("module '%s' not discovered", moduleID)
	}

	factory, ok := r.factories[moduleID]
	if !ok {
		return nil, fmt.Errorf("module '%s' has no bound implementation", moduleID)
	}

	return factory()
}

func (r *Registry) addManifest(manifest *models.ModuleManifest) error {
	if err := r.validate.Struct(manifest); err != nil {
		return fmt.Errorf("invalid manifest at %s: %w", manifest.Path, err)
	}

	if existing, ok := r.manifests[manifest.ModuleID]; ok {
		return fmt.Errorf("%w: '%s' declared at both %s and %s",
			ErrDuplicateModule, manifest.ModuleID, existing.Path, manifest.Path)
	}

	r.manifests[manifest.ModuleID] = manifest

	for _, schema := range manifest.InputSchemas {
		r.schemas[schema] = struct{}{}
	}

	for _, schema := range manifest.OutputSchemas {
		r.schemas[schema] = struct{}{}
	}

	return nil
}
