// Package modules registers the built-in stage implementations that ship
// with the binary. External modules are discovered from a modules root on
// disk instead.
package modules

import (
	"fmt"

	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/modules/collect"
	"github.com/fabrica-io/fabrica/pkg/modules/reviewgate"
	"github.com/fabrica-io/fabrica/pkg/modules/textgenerate"
	"github.com/fabrica-io/fabrica/pkg/protocol"
	"github.com/fabrica-io/fabrica/pkg/registry"
)

type builtin struct {
	manifest *models.ModuleManifest
	factory  protocol.ModuleFactory
}

func builtins() []builtin {
	return []builtin{
		{
			manifest: &models.ModuleManifest{
				ModuleID:      textgenerate.ModuleID,
				Stage:         "generate",
				Description:   "Renders a parameter template against the stage inputs and stores the result.",
				InputSchemas:  []string{"text", "collection", "review"},
				OutputSchemas: []string{"text"},
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"template":      map[string]any{"type": "string"},
						"artifact_type": map[string]any{"type": "string"},
						"entity_id":     map[string]any{"type": "string"},
						"intent":        map[string]any{"type": "string"},
						"confidence":    map[string]any{"type": "number"},
					},
					"required": []any{"template"},
				},
			},
			factory: textgenerate.NewFactory(),
		},
		{
			manifest: &models.ModuleManifest{
				ModuleID:      collect.ModuleID,
				Stage:         "aggregate",
				Description:   "Merges every input payload into a single keyed collection artifact.",
				InputSchemas:  []string{"text", "collection", "review"},
				OutputSchemas: []string{"collection"},
			},
			factory: collect.NewFactory(),
		},
		{
			manifest: &models.ModuleManifest{
				ModuleID:      reviewgate.ModuleID,
				Stage:         "review",
				Description:   "Pauses the run for human confirmation; passes through once approved.",
				InputSchemas:  []string{"text", "collection"},
				OutputSchemas: []string{"review"},
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"approved":      map[string]any{"type": "boolean"},
						"reason":        map[string]any{"type": "string"},
						"reviewer":      map[string]any{"type": "string"},
						"artifact_type": map[string]any{"type": "string"},
					},
				},
			},
			factory: reviewgate.NewFactory(),
		},
	}
}

// RegisterBuiltins adds every built-in module to the registry. Discovery of
// on-disk modules runs separately and may not redeclare a built-in id.
func RegisterBuiltins(reg *registry.Registry) error {
	for _, b := range builtins() {
		if err := reg.RegisterManifest(b.manifest); err != nil {
			return fmt.Errorf("failed to register built-in module: %w", err)
		}

		reg.RegisterFactory(b.manifest.ModuleID, b.factory)
	}

	return nil
}
