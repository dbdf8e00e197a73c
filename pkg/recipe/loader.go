// Package recipe loads workflow definitions and validates them against the
// module registry before any execution begins.
package recipe

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/fabrica-io/fabrica/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load parses a recipe file. Structural problems (missing recipe_id, empty
// stage list) fail here; DAG and registry checks happen in Validate.
func Load(path string) (*models.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe %s: %w", path, err)
	}

	return Parse(data)
}

// Parse builds a recipe from raw bytes, keeping the bytes for fingerprinting.
func Parse(data []byte) (*models.Recipe, error) {
	var r models.Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse recipe: %w", err)
	}

	if err := validate.Struct(&r); err != nil {
		return nil, fmt.Errorf("invalid recipe: %w", err)
	}

	r.Raw = data

	return &r, nil
}
