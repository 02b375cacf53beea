package policy

// Scope identifies a policy layer, from broadest to most specific
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
	ScopeDevice Scope = "device"
)

// Merge deep-merges an override document onto a base document and
// returns a new tree; neither input is mutated. Where both sides hold a
// nested map at the same key the maps merge key-by-key; any other value
// (scalar, array, or mismatched types) is replaced wholesale by the
// override.
func Merge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = cloneValue(v)
	}

	for k, overrideVal := range override {
		baseVal, exists := result[k]
		if !exists {
			result[k] = cloneValue(overrideVal)
			continue
		}

		baseMap, baseIsMap := baseVal.(map[string]any)
		overrideMap, overrideIsMap := overrideVal.(map[string]any)
		if baseIsMap && overrideIsMap {
			result[k] = Merge(baseMap, overrideMap)
			continue
		}

		result[k] = cloneValue(overrideVal)
	}

	return result
}

// MergeLayers resolves the effective configuration from the three
// policy scopes: device beats user beats global, per leaf. Nil layers
// are treated as empty documents.
func MergeLayers(global, user, device map[string]any) map[string]any {
	effective := Merge(map[string]any{}, global)
	effective = Merge(effective, user)
	effective = Merge(effective, device)
	return effective
}

// cloneValue copies a document value deeply enough that callers can
// never alias into a stored layer
func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		clone := make(map[string]any, len(typed))
		for k, item := range typed {
			clone[k] = cloneValue(item)
		}
		return clone
	case []any:
		clone := make([]any, len(typed))
		for i, item := range typed {
			clone[i] = cloneValue(item)
		}
		return clone
	default:
		return v
	}
}
