package recipe

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/registry"
)

// Validate checks a loaded recipe against the module registry. Every
// violation is reported; validation errors are always fatal before execution
// begins and never retried.
func Validate(r *models.Recipe, reg *registry.Registry) error {
	var errs []error

	stages := make(map[string]*models.Stage, len(r.Stages))

	for _, stage := range r.Stages {
		if _, ok := stages[stage.ID]; ok {
			errs = append(errs, fmt.Errorf("duplicate stage id '%s'", stage.ID))

			continue
		}

		stages[stage.ID] = stage
	}

	for _, stage := range r.Stages {
		if _, ok := reg.Manifest(stage.Module); !ok {
			errs = append(errs, fmt.Errorf("stage '%s' references unknown module '%s'", stage.ID, stage.Module))
		}

		for _, dep := range stage.DependencyIDs() {
			if _, ok := stages[dep]; !ok {
				errs = append(errs, fmt.Errorf("stage '%s' needs undefined stage '%s'", stage.ID, dep))
			}
		}

		errs = append(errs, validateInputKeys(stage)...)
		errs = append(errs, validateStoreSchemas(stage, reg)...)
	}

	if cycle := findCycle(r); len(cycle) > 0 {
		errs = append(errs, fmt.Errorf("dependency cycle involving stages: %s", strings.Join(cycle, ", ")))
	} else {
		// Schema compatibility is only meaningful on a well-formed DAG.
		errs = append(errs, validateEdgeSchemas(r, stages, reg)...)
	}

	return errors.Join(errs...)
}

// validateInputKeys enforces that no input key is bound both to a DAG edge
// and to a store lookup.
func validateInputKeys(stage *models.Stage) []error {
	var errs []error

	dagKeys := make(map[string]struct{})
	for key := range stage.Needs {
		dagKeys[key] = struct{}{}
	}

	for key := range stage.NeedsAll {
		if _, ok := stage.Needs[key]; ok {
			errs = append(errs, fmt.Errorf("stage '%s' binds key '%s' in both needs and needs_all", stage.ID, key))
		}

		dagKeys[key] = struct{}{}
	}

	check := func(group string, keys map[string]string) {
		for key := range keys {
			if _, ok := dagKeys[key]; ok {
				errs = append(errs, fmt.Errorf(
					"stage '%s' binds key '%s' in both needs and %s", stage.ID, key, group))
			}
		}
	}

	check("store_inputs", stage.StoreInputs)
	check("store_inputs_optional", stage.StoreInputsOptional)
	check("store_inputs_all", stage.StoreInputsAll)

	return errs
}

func validateStoreSchemas(stage *models.Stage, reg *registry.Registry) []error {
	var errs []error

	check := func(group string, keys map[string]string) {
		for key, schema := range keys {
			if !reg.HasSchema(schema) {
				errs = append(errs, fmt.Errorf(
					"stage '%s' %s key '%s' references unregistered artifact type '%s'",
					stage.ID, group, key, schema))
			}
		}
	}

	check("store_inputs", stage.StoreInputs)
	check("store_inputs_optional", stage.StoreInputsOptional)
	check("store_inputs_all", stage.StoreInputsAll)

	return errs
}

// validateEdgeSchemas requires that for every DAG edge the producer's output
// schema set intersects the consumer's input schema set.
func validateEdgeSchemas(r *models.Recipe, stages map[string]*models.Stage, reg *registry.Registry) []error {
	var errs []error

	for _, consumer := range r.Stages {
		consumerManifest, ok := reg.Manifest(consumer.Module)
		if !ok {
			continue
		}

		for _, dep := range consumer.DependencyIDs() {
			producer, ok := stages[dep]
			if !ok {
				continue
			}

			producerManifest, ok := reg.Manifest(producer.Module)
			if !ok {
				continue
			}

			if !intersects(producerManifest.OutputSchemas, consumerManifest.InputSchemas) {
				errs = append(errs, fmt.Errorf(
					"schema mismatch on edge '%s' -> '%s': outputs %v do not intersect inputs %v",
					producer.ID, consumer.ID,
					producerManifest.OutputSchemas, consumerManifest.InputSchemas))
			}
		}
	}

	return errs
}

// findCycle runs iterative topological reduction over the needs edges. Any
// stage with unresolved incoming edges after the reduction completes is part
// of (or downstream of) a cycle; the residual set is returned sorted.
func findCycle(r *models.Recipe) []string {
	defined := make(map[string]struct{}, len(r.Stages))
	for _, stage := range r.Stages {
		defined[stage.ID] = struct{}{}
	}

	indegree := make(map[string]int, len(r.Stages))
	dependents := make(map[string][]string)

	for _, stage := range r.Stages {
		if _, ok := indegree[stage.ID]; !ok {
			indegree[stage.ID] = 0
		}

		for _, dep := range stage.DependencyIDs() {
			// Undefined dependencies are reported separately and must not
			// masquerade as cycles.
			if _, ok := defined[dep]; !ok {
				continue
			}

			if dep == stage.ID {
				// Self-loop counts as a cycle.
				indegree[stage.ID]++

				continue
			}

			dependents[dep] = append(dependents[dep], stage.ID)
			indegree[stage.ID]++
		}
	}

	queue := make([]string, 0, len(indegree))

	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	resolved := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++

		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if resolved == len(indegree) {
		return nil
	}

	residual := make([]string, 0)

	for id, deg := range indegree {
		if deg > 0 {
			residual = append(residual, id)
		}
	}

	sort.Strings(residual)

	return residual
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}

	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}

	return false
}
