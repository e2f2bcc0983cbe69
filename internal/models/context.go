package models

import "encoding/json"

// ContextMap is a JSON-serializable map used for execution context, step
// outputs, item step context, and opaque adapter configuration. It is stored
// as a JSON text column.
type ContextMap map[string]any

// Clone returns a deep copy of the map via a JSON round trip. A nil map
// clones to an empty, writable map.
func (m ContextMap) Clone() ContextMap {
	out := ContextMap{}
	if len(m) == 0 {
		return out
	}
	data, err := json.Marshal(m)
	if err != nil {
		// Values come from JSON columns or handler outputs; both are
		// marshal-safe. Fall back to a shallow copy if not.
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Merge shallow-merges src into m, last writer wins per top-level key.
// Returns m for chaining.
func (m ContextMap) Merge(src ContextMap) ContextMap {
	for k, v := range src {
		m[k] = v
	}
	return m
}

// Namespace returns the nested map stored under key, or nil when absent or
// not a map. Step kinds store their outputs under disjoint namespaces
// (search, download, encode, deliver, approval, notification).
func (m ContextMap) Namespace(key string) ContextMap {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch nested := v.(type) {
	case ContextMap:
		return nested
	case map[string]any:
		return ContextMap(nested)
	default:
		return nil
	}
}

// GetString returns the string stored under key, or "" when absent or not a
// string.
func (m ContextMap) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetBool returns the bool stored under key, false when absent or not a bool.
func (m ContextMap) GetBool(key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
