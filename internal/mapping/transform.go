package mapping

import (
	"fmt"
	"strings"

	"github.com/aoxiansheng/stock-api-sub013/internal/errs"
)

// ApplyRule transforms a raw provider record into a normalized record by
// walking rule in order: extract SourceFieldPath (falling back through
// FallbackPaths), apply the optional value Transform, and set TargetField.
// A required field with no value anywhere in its path list is a
// TRANSFORM_FAILURE.
func ApplyRule(raw map[string]any, rule Rule) (map[string]any, error) {
	out := make(map[string]any, len(rule))

	for _, fm := range rule {
		if !fm.Active {
			continue
		}

		value, found := extract(raw, fm.SourceFieldPath)
		if !found {
			for _, fallback := range fm.FallbackPaths {
				if v, ok := extract(raw, fallback); ok {
					value, found = v, true
					break
				}
			}
		}

		if !found {
			if fm.Required {
				return nil, errs.Newf(errs.TransformFailure, "required field %q missing (path %q)", fm.TargetField, fm.SourceFieldPath)
			}
			continue
		}

		transformed, err := applyTransform(value, fm.Transform)
		if err != nil {
			return nil, errs.Wrapf(errs.TransformFailure, err, "transform for field %q failed", fm.TargetField)
		}
		out[fm.TargetField] = transformed
	}

	return out, nil
}

// extract walks a dot-separated path ("a.b.c") through nested maps.
func extract(raw map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = raw
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func applyTransform(value any, t *Transform) (any, error) {
	if t == nil || t.Type == TransformNone || t.Type == "" {
		return value, nil
	}

	num, isNum := toFloat(value)

	switch t.Type {
	case TransformMultiply:
		factor, ok := toFloat(t.Value)
		if !isNum || !ok {
			return nil, fmt.Errorf("multiply transform requires numeric value and factor")
		}
		return num * factor, nil
	case TransformDivide:
		factor, ok := toFloat(t.Value)
		if !isNum || !ok || factor == 0 {
			return nil, fmt.Errorf("divide transform requires numeric value and non-zero factor")
		}
		return num / factor, nil
	case TransformAdd:
		delta, ok := toFloat(t.Value)
		if !isNum || !ok {
			return nil, fmt.Errorf("add transform requires numeric value")
		}
		return num + delta, nil
	case TransformSubtract:
		delta, ok := toFloat(t.Value)
		if !isNum || !ok {
			return nil, fmt.Errorf("subtract transform requires numeric value")
		}
		return num - delta, nil
	case TransformFormat:
		format, ok := t.Value.(string)
		if !ok {
			format = "%v"
		}
		return fmt.Sprintf(format, value), nil
	case TransformCustom:
		// Custom transforms are owned by the Data Mapper collaborator; the
		// core passes the value through untouched when no custom hook is wired.
		return value, nil
	default:
		return value, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
