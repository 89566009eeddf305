// ABOUTME: Item types carried along workflow connections, JSON-compatible maps of field values.
// ABOUTME: Provides deep cloning so committed node outputs are never mutated in place.
package workflow

import "encoding/json"

// Item is one unit of data flowing between nodes. Values are JSON-compatible.
type Item map[string]any

// Items is an ordered sequence of items.
type Items []Item

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = CloneValue(v)
	}
	return out
}

// Clone returns a deep copy of every item in the sequence.
func (items Items) Clone() Items {
	if items == nil {
		return nil
	}
	out := make(Items, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// JSON returns the item encoded as JSON, or "{}" when it cannot be encoded.
func (it Item) JSON() []byte {
	data, err := json.Marshal(it)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// CloneValue deep-copies maps and slices inside a JSON-compatible value.
// Scalars are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = CloneValue(inner)
		}
		return out
	case Item:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = CloneValue(inner)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, inner := range val {
			out[i] = CloneValue(inner).(map[string]any)
		}
		return out
	case Items:
		return val.Clone()
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// ItemsFromJSON decodes a JSON object or array of objects into Items.
func ItemsFromJSON(data []byte) (Items, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return ItemsFromValue(raw), nil
}

// ItemsFromValue converts a decoded JSON value into Items. Objects become one
// item, arrays become one item per element, and scalars are wrapped under
// the "value" key.
func ItemsFromValue(v any) Items {
	switch val := v.(type) {
	case nil:
		return Items{}
	case Items:
		return val
	case Item:
		return Items{val}
	case map[string]any:
		return Items{Item(val)}
	case []any:
		out := make(Items, 0, len(val))
		for _, elem := range val {
			if m, ok := elem.(map[string]any); ok {
				out = append(out, Item(m))
				continue
			}
			out = append(out, Item{"value": elem})
		}
		return out
	default:
		return Items{{"value": val}}
	}
}
