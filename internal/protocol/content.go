package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// WrapContent turns a handler's return value into content parts. Scalars
// become one text part; parts are passed through; anything else is converted
// to its JSON form and delivered as one application/json part.
func WrapContent(v any) ([]ContentPart, error) {
	switch val := v.(type) {
	case nil:
		return []ContentPart{TextPart("")}, nil
	case ContentPart:
		return []ContentPart{val}, nil
	case []ContentPart:
		if len(val) == 0 {
			return []ContentPart{TextPart("")}, nil
		}
		return val, nil
	case string:
		return []ContentPart{TextPart(val)}, nil
	case []byte:
		return []ContentPart{TextPart(string(val))}, nil
	case bool:
		return []ContentPart{TextPart(strconv.FormatBool(val))}, nil
	case float64:
		return []ContentPart{TextPart(strconv.FormatFloat(val, 'f', -1, 64))}, nil
	case float32:
		return []ContentPart{TextPart(strconv.FormatFloat(float64(val), 'f', -1, 32))}, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return []ContentPart{TextPart(fmt.Sprint(val))}, nil
	case json.Number:
		return []ContentPart{TextPart(val.String())}, nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return nil, fmt.Errorf("handler returned invalid JSON: %w", err)
		}
		return []ContentPart{JSONPart(decoded)}, nil
	case fmt.Stringer:
		return []ContentPart{TextPart(val.String())}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("handler result is not serializable: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("handler result is not serializable: %w", err)
	}
	return []ContentPart{JSONPart(decoded)}, nil
}
