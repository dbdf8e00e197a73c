package recipe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fabrica-io/fabrica/pkg/models"
)

// TopoOrder returns a single topological order of all stage IDs: every stage
// appears exactly once and every producer precedes its consumers. Ties break
// by stage ID for determinism. Edges to undefined stages are ignored here;
// Validate reports them as errors.
func TopoOrder(r *models.Recipe) ([]string, error) {
	indegree := make(map[string]int, len(r.Stages))
	dependents := make(map[string][]string)

	for _, stage := range r.Stages {
		indegree[stage.ID] = 0
	}

	for _, stage := range r.Stages {
		for _, dep := range stage.DependencyIDs() {
			if _, ok := indegree[dep]; !ok {
				continue
			}

			dependents[dep] = append(dependents[dep], stage.ID)
			indegree[stage.ID]++
		}
	}

	ready := make([]string, 0, len(indegree))

	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	sort.Strings(ready)

	order := make([]string, 0, len(indegree))

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := make([]string, 0)

		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}

		sort.Strings(next)
		ready = mergeSorted(ready, next)
	}

	if len(order) != len(indegree) {
		residual := make([]string, 0)

		for id, deg := range indegree {
			if deg > 0 {
				residual = append(residual, id)
			}
		}

		sort.Strings(residual)

		return nil, fmt.Errorf("dependency cycle involving stages: %s", strings.Join(residual, ", "))
	}

	return order, nil
}

// Waves partitions the stages so wave k contains exactly the stages whose
// dependencies all sit in waves < k. Stages with no dependencies form wave 0.
// This is the maximal legal parallelism preserving the dependency partial
// order.
func Waves(r *models.Recipe) ([][]string, error) {
	if _, err := TopoOrder(r); err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(r.Stages))
	stages := make(map[string]*models.Stage, len(r.Stages))

	for _, stage := range r.Stages {
		stages[stage.ID] = stage
	}

	var stageDepth func(id string) int
	stageDepth = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}

		max := 0

		for _, dep := range stages[id].DependencyIDs() {
			if _, ok := stages[dep]; !ok {
				continue
			}

			if d := stageDepth(dep) + 1; d > max {
				max = d
			}
		}

		depth[id] = max

		return max
	}

	maxWave := 0

	for id := range stages {
		if d := stageDepth(id); d > maxWave {
			maxWave = d
		}
	}

	waves := make([][]string, maxWave+1)

	for id, d := range depth {
		waves[d] = append(waves[d], id)
	}

	for _, wave := range waves {
		sort.Strings(wave)
	}

	return waves, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}

	out = append(out, a[i:]...)
	out = append(out, b[j:]...)

	return out
}
