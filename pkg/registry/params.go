package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateParams checks stage parameters against the module manifest's
// declared parameter schema. Manifests without a schema accept any params.
func (r *Registry) ValidateParams(moduleID string, params map[string]any) error {
	manifest, ok := r.manifests[moduleID]
	if !ok {
		return fmt.Errorf("module '%s' not discovered", moduleID)
	}

	if len(manifest.Parameters) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(manifest.Parameters)
	dataLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("parameter schema for module '%s' is invalid: %w", moduleID, err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return fmt.Errorf("invalid parameters for module '%s': %s", moduleID, strings.Join(errs, "; "))
	}

	return nil
}
