package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fabrica-io/fabrica/pkg/models"
)

const manifestFile = "manifest.json"

// Discover scans the two-level directory convention
// <root>/<stage_kind>/<module_id>/manifest.json and registers every manifest
// found. A duplicate module_id across the tree is fatal.
func (r *Registry) Discover(root string) error {
	kinds, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read modules root %s: %w", root, err)
	}

	found := 0

	for _, kind := range kinds {
		if !kind.IsDir() {
			continue
		}

		kindDir := filepath.Join(root, kind.Name())

		moduleDirs, err := os.ReadDir(kindDir)
		if err != nil {
			return fmt.Errorf("failed to read stage kind directory %s: %w", kindDir, err)
		}

		for _, moduleDir := range moduleDirs {
			if !moduleDir.IsDir() {
				continue
			}

			manifestPath := filepath.Join(kindDir, moduleDir.Name(), manifestFile)

			manifest, err := loadManifest(manifestPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}

				return err
			}

			if manifest.Stage == "" {
				manifest.Stage = kind.Name()
			}

			if err := r.addManifest(manifest); err != nil {
				return err
			}

			found++
		}
	}

	r.logger.Debug("Module discovery finished", "root", root, "modules", found)

	return nil
}

func loadManifest(path string) (*models.ModuleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var manifest models.ModuleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	manifest.Path = path

	return &manifest, nil
}
