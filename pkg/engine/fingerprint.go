package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fabrica-io/fabrica/pkg/models"
)

// executableHash is the content hash of the running binary, computed once.
// Built-in modules are compiled in, so a rebuilt binary is their code change.
var executableHash = sync.OnceValue(func() string {
	path, err := os.Executable()
	if err != nil {
		return ""
	}

	hash, err := hashFile(path)
	if err != nil {
		return ""
	}

	return hash
})

// fingerprintInput collects everything that identifies "this exact stage
// given this exact code, parameters and upstream state". Any one differing
// input must change the fingerprint; identical inputs must reproduce it.
type fingerprintInput struct {
	recipeHash     string
	stage          *models.Stage
	manifestHash   string
	moduleCodeHash string
	inputRefs      map[string][]models.ArtifactRef
	paramsFileHash string
}

func computeFingerprint(in fingerprintInput) (string, error) {
	h := sha256.New()

	// Length-prefix every field so adjacent values can never collide into
	// the same digest.
	writeField := func(data []byte) {
		var length [8]byte
		n := uint64(len(data))
		for i := 0; i < 8; i++ {
			length[7-i] = byte(n >> (8 * i))
		}
		h.Write(length[:])
		h.Write(data)
	}
	writeString := func(s string) { writeField([]byte(s)) }

	writeString(in.recipeHash)
	writeString(in.stage.ID)
	writeString(in.stage.Module)
	writeString(in.manifestHash)
	writeString(in.moduleCodeHash)
	writeString(in.paramsFileHash)

	// Params are canonical because encoding/json sorts map keys.
	params, err := json.Marshal(in.stage.Params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize stage params: %w", err)
	}

	writeField(params)

	deps, err := json.Marshal(struct {
		Needs               map[string]string   `json:"needs"`
		NeedsAll            map[string][]string `json:"needs_all"`
		StoreInputs         map[string]string   `json:"store_inputs"`
		StoreInputsOptional map[string]string   `json:"store_inputs_optional"`
		StoreInputsAll      map[string]string   `json:"store_inputs_all"`
	}{in.stage.Needs, in.stage.NeedsAll, in.stage.StoreInputs, in.stage.StoreInputsOptional, in.stage.StoreInputsAll})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize stage dependencies: %w", err)
	}

	writeField(deps)

	keys := make([]string, 0, len(in.inputRefs))
	for key := range in.inputRefs {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		writeString(key)

		for _, ref := range in.inputRefs[key] {
			writeString(ref.Key())
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// hashFile returns the content hash of one file, or "" when the file does
// not exist.
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hashBytes(data), nil
}

// hashDirTree hashes every file under root in sorted path order, so an
// unreviewed logic change in a module's code tree always invalidates the
// cache even when nothing else changed.
func hashDirTree(root string) (string, error) {
	h := sha256.New()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})

		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", fmt.Errorf("failed to hash module tree %s: %w", root, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
