// Package config loads the runner configuration documents into read-only option trees.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Variant is an immutable node of a decoded configuration document. A nil *Variant
// stands for an absent key; every accessor is safe to call on it and reports zero values.
type Variant struct {
	value any
	dir   string
}

// NewVariant wraps a decoded value. dir is the directory relative resource paths resolve against.
func NewVariant(value any, dir string) *Variant {
	return &Variant{value: normalise(value), dir: dir}
}

// Value exposes a deep copy of the underlying decoded value.
func (v *Variant) Value() any {
	if v == nil {
		return nil
	}
	return cloneValue(v.value)
}

// Dir returns the directory of the document the node was decoded from.
func (v *Variant) Dir() string {
	if v == nil {
		return ""
	}
	return v.dir
}

// IsObject reports whether the node is a key/value mapping.
func (v *Variant) IsObject() bool {
	if v == nil {
		return false
	}
	_, ok := v.value.(map[string]any)
	return ok
}

// IsArray reports whether the node is a list.
func (v *Variant) IsArray() bool {
	if v == nil {
		return false
	}
	_, ok := v.value.([]any)
	return ok
}

// Has reports whether key is present and non-null.
func (v *Variant) Has(key string) bool {
	return v.Get(key) != nil
}

// Get returns the child under key. Dotted keys descend through nested objects.
func (v *Variant) Get(key string) *Variant {
	if v == nil {
		return nil
	}
	current := v.value
	for _, part := range strings.Split(key, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		next, ok := obj[part]
		if !ok || next == nil {
			return nil
		}
		current = next
	}
	return &Variant{value: current, dir: v.dir}
}

// Keys lists the keys of an object node in sorted order.
func (v *Variant) Keys() []string {
	if v == nil {
		return nil
	}
	obj, ok := v.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of elements of an array or object node.
func (v *Variant) Len() int {
	if v == nil {
		return 0
	}
	switch typed := v.value.(type) {
	case []any:
		return len(typed)
	case map[string]any:
		return len(typed)
	}
	return 0
}

// Items returns the elements of an array node.
func (v *Variant) Items() []*Variant {
	if v == nil {
		return nil
	}
	list, ok := v.value.([]any)
	if !ok {
		return nil
	}
	out := make([]*Variant, 0, len(list))
	for _, item := range list {
		out = append(out, &Variant{value: item, dir: v.dir})
	}
	return out
}

// Map returns a deep copy of an object node.
func (v *Variant) Map() map[string]any {
	if v == nil {
		return nil
	}
	obj, ok := v.value.(map[string]any)
	if !ok {
		return nil
	}
	cloned, _ := cloneValue(obj).(map[string]any)
	return cloned
}

// AsString renders a scalar node as text.
func (v *Variant) AsString() string {
	if v == nil {
		return ""
	}
	switch typed := v.value.(type) {
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case nil:
		return ""
	}
	return fmt.Sprint(v.value)
}

// AsBool interprets a scalar node as a boolean. Strings "true", "yes", "1" are true.
func (v *Variant) AsBool() bool {
	if v == nil {
		return false
	}
	switch typed := v.value.(type) {
	case bool:
		return typed
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "yes", "1", "on":
			return true
		}
		return false
	case float64:
		return typed != 0
	case int:
		return typed != 0
	case int64:
		return typed != 0
	}
	return false
}

// AsFloat interprets a scalar node as a float.
func (v *Variant) AsFloat() float64 {
	if v == nil {
		return 0
	}
	switch typed := v.value.(type) {
	case float64:
		return typed
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint64:
		return float64(typed)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// AsInt interprets a scalar node as an integer.
func (v *Variant) AsInt() int64 {
	if v == nil {
		return 0
	}
	switch typed := v.value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case uint64:
		return int64(typed)
	case float64:
		return int64(typed)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return int64(v.AsFloat())
		}
		return n
	}
	return 0
}

// String returns the text under key, or "" when absent.
func (v *Variant) String(key string) string { return v.Get(key).AsString() }

// Bool returns the boolean under key, or false when absent.
func (v *Variant) Bool(key string) bool { return v.Get(key).AsBool() }

// Int returns the integer under key, or 0 when absent.
func (v *Variant) Int(key string) int64 { return v.Get(key).AsInt() }

// Float returns the float under key, or 0 when absent.
func (v *Variant) Float(key string) float64 { return v.Get(key).AsFloat() }

// Duration returns the duration under key. Strings use time.ParseDuration syntax,
// bare numbers are milliseconds. Absent or invalid values yield def.
func (v *Variant) Duration(key string, def time.Duration) time.Duration {
	node := v.Get(key)
	if node == nil {
		return def
	}
	switch typed := node.value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return def
		}
		if d, err := time.ParseDuration(trimmed); err == nil {
			return d
		}
		if ms, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond))
		}
		return def
	case float64, int, int64, uint64:
		return time.Duration(node.AsFloat() * float64(time.Millisecond))
	}
	return def
}

// Strings returns a list under key. Comma separated text is split into items.
func (v *Variant) Strings(key string) []string {
	node := v.Get(key)
	if node == nil {
		return nil
	}
	var raw []string
	switch typed := node.value.(type) {
	case []any:
		for _, item := range typed {
			raw = append(raw, (&Variant{value: item}).AsString())
		}
	case string:
		raw = strings.Split(typed, ",")
	default:
		raw = []string{node.AsString()}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Path returns the resource path under key resolved against the document directory.
func (v *Variant) Path(key string) string {
	raw := strings.TrimSpace(v.String(key))
	if raw == "" {
		return ""
	}
	return ResolvePath(v.Dir(), raw)
}

// ResolvePath joins a relative path onto base. Absolute paths are returned cleaned.
func ResolvePath(base, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) || base == "" {
		return filepath.Clean(trimmed)
	}
	return filepath.Join(base, trimmed)
}

func normalise(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalise(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[fmt.Sprint(k)] = normalise(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalise(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalise(item)
		}
		return out
	}
	return value
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	}
	return value
}
