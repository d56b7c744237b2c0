package routines

import (
	"encoding/json"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the parsed routine configuration. Dashboards send either a
// structured object or free text; text is parsed as YAML first, JSON
// second, and kept as a raw string when both fail.
type Config struct {
	value interface{}
}

// ParseConfig normalizes whatever the API layer received.
func ParseConfig(raw interface{}) Config {
	s, isString := raw.(string)
	if !isString {
		return Config{value: raw}
	}
	if s == "" {
		return Config{}
	}

	var parsed interface{}
	if err := yaml.Unmarshal([]byte(s), &parsed); err == nil && parsed != nil {
		return Config{value: parsed}
	}
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		return Config{value: parsed}
	}
	return Config{value: s}
}

// Raw returns the underlying parsed value.
func (c Config) Raw() interface{} { return c.value }

// Map returns the config as a key-value object, nil when it is not one.
func (c Config) Map() map[string]interface{} {
	switch m := c.value.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		// Older YAML decoders produce interface keys.
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			if ks, ok := k.(string); ok {
				out[ks] = v
			}
		}
		return out
	default:
		return nil
	}
}

// Has reports whether the config object carries a key.
func (c Config) Has(key string) bool {
	m := c.Map()
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Int reads an integer key, tolerating the number types YAML and JSON
// decoders produce. Missing or unusable values fall back to def.
func (c Config) Int(key string, def int) int {
	m := c.Map()
	if m == nil {
		return def
	}
	if n, ok := toInt(m[key]); ok {
		return n
	}
	return def
}

// String reads a string key with a default.
func (c Config) String(key, def string) string {
	m := c.Map()
	if m == nil {
		return def
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

// Strings reads a list-of-strings key; nil when absent or malformed.
func (c Config) Strings(key string) []string {
	m := c.Map()
	if m == nil {
		return nil
	}
	list, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IntPair reads a two-element [x, z] key, used for area corners.
func (c Config) IntPair(key string) ([2]int, bool) {
	m := c.Map()
	if m == nil {
		return [2]int{}, false
	}
	list, ok := m[key].([]interface{})
	if !ok || len(list) < 2 {
		return [2]int{}, false
	}
	a, okA := toInt(list[0])
	b, okB := toInt(list[1])
	if !okA || !okB {
		return [2]int{}, false
	}
	return [2]int{a, b}, true
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}
