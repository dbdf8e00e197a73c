package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-io/fabrica/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeManifest(t *testing.T, root, stageKind, moduleID, content string) {
	t.Helper()

	dir := filepath.Join(root, stageKind, moduleID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(content), 0o644))
}

func TestDiscover_TwoLevelConvention(t *testing.T) {
	root := t.TempDir()

	writeManifest(t, root, "generate", "text_generate", `{
		"module_id": "text_generate",
		"stage": "generate",
		"description": "renders text from a template",
		"input_schemas": ["raw_input"],
		"output_schemas": ["canonical_script"]
	}`)
	writeManifest(t, root, "assemble", "collect", `{
		"module_id": "collect",
		"input_schemas": ["canonical_script"],
		"output_schemas": ["bundle"]
	}`)

	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Discover(root))

	manifest, ok := reg.Manifest("text_generate")
	require.True(t, ok)
	assert.Equal(t, "generate", manifest.Stage)

	// Stage kind falls back to the directory name when the manifest omits it.
	manifest, ok = reg.Manifest("collect")
	require.True(t, ok)
	assert.Equal(t, "assemble", manifest.Stage)

	assert.True(t, reg.HasSchema("raw_input"))
	assert.True(t, reg.HasSchema("canonical_script"))
	assert.True(t, reg.HasSchema("bundle"))
	assert.False(t, reg.HasSchema("unknown"))

	assert.Len(t, reg.Manifests(), 2)
}

func TestDiscover_DuplicateModuleIDFatal(t *testing.T) {
	root := t.TempDir()

	writeManifest(t, root, "generate", "text_generate", `{
		"module_id": "text_generate",
		"output_schemas": ["canonical_script"]
	}`)
	writeManifest(t, root, "review", "other_dir", `{
		"module_id": "text_generate",
		"output_schemas": ["review_notes"]
	}`)

	reg := NewRegistry(testLogger())
	err := reg.Discover(root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateModule)
}

func TestDiscover_SkipsDirectoriesWithoutManifest(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "generate", "empty"), 0o755))
	writeManifest(t, root, "generate", "text_generate", `{
		"module_id": "text_generate",
		"output_schemas": ["canonical_script"]
	}`)

	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Discover(root))
	assert.Len(t, reg.Manifests(), 1)
}

type stubModule struct{ id string }

func (m *stubModule) ID() string { return m.id }

func (m *stubModule) Run(_ context.Context, _ protocol.ExecutionInput) (*protocol.ExecutionResult, error) {
	return &protocol.ExecutionResult{}, nil
}

func TestCreateModule(t *testing.T) {
	root := t.TempDir()

	writeManifest(t, root, "generate", "text_generate", `{
		"module_id": "text_generate",
		"output_schemas": ["canonical_script"]
	}`)

	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Discover(root))

	_, err := reg.CreateModule("text_generate")
	require.Error(t, err, "discovered but unbound module cannot be created")

	reg.RegisterFactory("text_generate", func() (protocol.Module, error) {
		return &stubModule{id: "text_generate"}, nil
	})

	module, err := reg.CreateModule("text_generate")
	require.NoError(t, err)
	assert.Equal(t, "text_generate", module.ID())

	_, err = reg.CreateModule("missing")
	assert.Error(t, err)
}

func TestValidateParams(t *testing.T) {
	root := t.TempDir()

	writeManifest(t, root, "generate", "text_generate", `{
		"module_id": "text_generate",
		"output_schemas": ["canonical_script"],
		"parameters": {
			"type": "object",
			"required": ["template"],
			"properties": {
				"template": {"type": "string"},
				"max_len": {"type": "integer"}
			}
		}
	}`)

	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Discover(root))

	err := reg.ValidateParams("text_generate", map[string]any{"template": "hello", "max_len": 10})
	assert.NoError(t, err)

	err = reg.ValidateParams("text_generate", map[string]any{"max_len": "ten"})
	assert.Error(t, err)
}
