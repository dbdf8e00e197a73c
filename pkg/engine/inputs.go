package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fabrica-io/fabrica/pkg/models"
)

// stageInputs are the resolved payloads and references a stage consumes,
// gathered from DAG-edge outputs and direct store lookups.
type stageInputs struct {
	payloads map[string][]json.RawMessage
	refs     map[string][]models.ArtifactRef
}

// collectInputs resolves a stage's inputs. DAG-edge keys read the artifact
// references recorded for the producing stage in this run; store keys read
// the latest version directly from the artifact store.
func (e *Engine) collectInputs(stage *models.Stage, rs *models.RunState) (*stageInputs, error) {
	in := &stageInputs{
		payloads: make(map[string][]json.RawMessage),
		refs:     make(map[string][]models.ArtifactRef),
	}

	for _, key := range sortedKeys(stage.Needs) {
		dep := stage.Needs[key]
		if err := e.addStageOutputs(in, key, dep, rs); err != nil {
			return nil, err
		}
	}

	for _, key := range sortedKeys(stage.NeedsAll) {
		for _, dep := range stage.NeedsAll[key] {
			if err := e.addStageOutputs(in, key, dep, rs); err != nil {
				return nil, err
			}
		}
	}

	for _, key := range sortedKeys(stage.StoreInputs) {
		if err := e.addStoreInput(in, key, stage.StoreInputs[key], false); err != nil {
			return nil, err
		}
	}

	for _, key := range sortedKeys(stage.StoreInputsOptional) {
		if err := e.addStoreInput(in, key, stage.StoreInputsOptional[key], true); err != nil {
			return nil, err
		}
	}

	for _, key := range sortedKeys(stage.StoreInputsAll) {
		if err := e.addStoreInputAll(in, key, stage.StoreInputsAll[key]); err != nil {
			return nil, err
		}
	}

	return in, nil
}

func (e *Engine) addStageOutputs(in *stageInputs, key, dep string, rs *models.RunState) error {
	depRun, ok := rs.Stages[dep]
	if !ok || !depRun.Status.Satisfied() {
		return fmt.Errorf("input '%s': upstream stage '%s' has no usable result", key, dep)
	}

	for _, ref := range depRun.Artifacts {
		artifact, err := e.store.Load(ref)
		if err != nil {
			return fmt.Errorf("input '%s': failed to load output of stage '%s': %w", key, dep, err)
		}

		in.payloads[key] = append(in.payloads[key], artifact.Payload)
		in.refs[key] = append(in.refs[key], ref)
	}

	return nil
}

// addStoreInput resolves the latest version of an artifact type. The strict
// variant fails on a missing or unhealthy artifact; the optional variant
// degrades to an absent input.
func (e *Engine) addStoreInput(in *stageInputs, key, artifactType string, optional bool) error {
	ref, err := e.resolveLatest(artifactType)
	if err != nil {
		if optional {
			return nil
		}

		return fmt.Errorf("store input '%s' (%s): %w", key, artifactType, err)
	}

	health, err := e.store.Graph().Health(ref)
	if err != nil {
		return fmt.Errorf("store input '%s' (%s): %w", key, artifactType, err)
	}

	if !health.Usable() {
		if optional {
			return nil
		}

		return fmt.Errorf("store input '%s': artifact %s has health '%s'", key, ref.Key(), health)
	}

	artifact, err := e.store.Load(ref)
	if err != nil {
		return fmt.Errorf("store input '%s': %w", key, err)
	}

	in.payloads[key] = append(in.payloads[key], artifact.Payload)
	in.refs[key] = append(in.refs[key], ref)

	return nil
}

// addStoreInputAll gathers the latest usable version for every entity of the
// type. Entities whose latest version is unhealthy are skipped rather than
// failing the stage.
func (e *Engine) addStoreInputAll(in *stageInputs, key, artifactType string) error {
	entities, err := e.store.ListEntities(artifactType)
	if err != nil {
		return fmt.Errorf("store input '%s' (%s): %w", key, artifactType, err)
	}

	for _, entity := range entities {
		ref, err := e.store.Latest(artifactType, entity)
		if err != nil {
			continue
		}

		health, err := e.store.Graph().Health(ref)
		if err != nil || !health.Usable() {
			continue
		}

		artifact, err := e.store.Load(ref)
		if err != nil {
			return fmt.Errorf("store input '%s': %w", key, err)
		}

		in.payloads[key] = append(in.payloads[key], artifact.Payload)
		in.refs[key] = append(in.refs[key], ref)
	}

	return nil
}

// resolveLatest finds the latest version of an artifact type: the
// project-scoped entity when present, otherwise the type's single entity.
// Several candidate entities make the reference ambiguous.
func (e *Engine) resolveLatest(artifactType string) (models.ArtifactRef, error) {
	if ref, err := e.store.Latest(artifactType, ""); err == nil {
		return ref, nil
	}

	entities, err := e.store.ListEntities(artifactType)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	switch len(entities) {
	case 0:
		return models.ArtifactRef{}, fmt.Errorf("no artifact of type '%s' in store", artifactType)
	case 1:
		return e.store.Latest(artifactType, entities[0])
	default:
		return models.ArtifactRef{}, fmt.Errorf(
			"artifact type '%s' has %d entities; use store_inputs_all", artifactType, len(entities))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
