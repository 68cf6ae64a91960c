package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrNotFound is returned when a capability name is not registered.
var ErrNotFound = errors.New("capability not found")

// ValidationError reports an argument that does not satisfy the schema.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// ApplicationError is a failure a handler declares on purpose. Its content is
// delivered to the caller as the result body with the error flag set.
type ApplicationError struct {
	Message string
	Content any
}

// NewApplicationError builds a declared failure. A nil content delivers the message.
func NewApplicationError(message string, content any) *ApplicationError {
	return &ApplicationError{Message: message, Content: content}
}

func (e *ApplicationError) Error() string { return e.Message }

// Body returns what the caller should receive.
func (e *ApplicationError) Body() any {
	if e.Content != nil {
		return e.Content
	}
	return e.Message
}

// Validate checks args against desc and returns a new argument map with
// defaults filled in for absent optional parameters. Arguments not named by
// the descriptor are passed through untouched.
func Validate(desc Descriptor, args map[string]any) (Args, error) {
	out := make(Args, len(args)+len(desc.Params))
	for k, v := range args {
		out[k] = v
	}

	for _, p := range desc.Params {
		v, present := args[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, &ValidationError{Field: p.Name, Reason: "required parameter is missing"}
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		if !matches(p.Type, v) {
			return nil, &ValidationError{
				Field:  p.Name,
				Reason: fmt.Sprintf("expected %s, got %s", p.Type, describe(v)),
			}
		}
	}
	return out, nil
}

func matches(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := asFloat(v)
		return ok
	case TypeInteger:
		f, ok := asFloat(v)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case TypeObject:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct ||
			(rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Struct)
	case TypeArray:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := asFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
