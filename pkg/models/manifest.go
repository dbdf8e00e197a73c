package models

// ModuleManifest describes one discovered stage implementation: its identity,
// the stage kind it serves, and its declared input/output artifact schemas.
// Immutable once discovered; rediscovery picks up new modules.
type ModuleManifest struct {
	ModuleID      string         `json:"module_id"      validate:"required"`
	Stage         string         `json:"stage"          validate:"required"`
	Description   string         `json:"description"`
	InputSchemas  []string       `json:"input_schemas"`
	OutputSchemas []string       `json:"output_schemas" validate:"required,min=1"`
	// Parameters is an optional JSON schema describing the recognized
	// stage parameter keys and their defaults.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Path is the manifest file location on disk; the module's code tree is
	// rooted at its directory.
	Path string `json:"-"`
}
