package capability

import (
	"encoding/json"
	"fmt"
)

// Args are validated capability arguments.
type Args map[string]any

func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (a Args) Float(key string) float64 {
	f, _ := asFloat(a[key])
	return f
}

func (a Args) Int(key string) int {
	f, _ := asFloat(a[key])
	return int(f)
}

func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

func (a Args) Map(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Decode copies the arguments into the struct pointed to by v via JSON.
func (a Args) Decode(v any) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}
