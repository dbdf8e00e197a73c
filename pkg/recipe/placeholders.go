package recipe

import (
	"fmt"
	"strings"

	"github.com/fabrica-io/fabrica/pkg/models"
)

// ResolvePlaceholders substitutes every parameter value that is exactly
// "${name}" from the supplied runtime parameter map, recursing into nested
// maps and lists. An unresolved placeholder is fatal and names itself.
func ResolvePlaceholders(r *models.Recipe, runtimeParams map[string]string) error {
	for _, stage := range r.Stages {
		resolved, err := resolveValue(stage.Params, runtimeParams)
		if err != nil {
			return fmt.Errorf("stage '%s': %w", stage.ID, err)
		}

		if resolved != nil {
			stage.Params = resolved.(map[string]any)
		}
	}

	return nil
}

func resolveValue(value any, runtimeParams map[string]string) (any, error) {
	switch v := value.(type) {
	case string:
		name, ok := placeholderName(v)
		if !ok {
			return v, nil
		}

		substituted, found := runtimeParams[name]
		if !found {
			return nil, fmt.Errorf("unresolved placeholder '${%s}'", name)
		}

		return substituted, nil
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, nested := range v {
			resolved, err := resolveValue(nested, runtimeParams)
			if err != nil {
				return nil, err
			}

			out[key] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, nested := range v {
			resolved, err := resolveValue(nested, runtimeParams)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return v, nil
	}
}

// placeholderName matches values that are exactly "${name}"; partial
// interpolation is not supported.
func placeholderName(value string) (string, bool) {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return "", false
	}

	name := value[2 : len(value)-1]
	if name == "" || strings.ContainsAny(name, "${}") {
		return "", false
	}

	return name, true
}
