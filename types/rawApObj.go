package types

import (
	"encoding/json"
	"strings"
)

// RawApObj wraps a decoded ActivityPub document whose exact shape we do not
// control. Accessors take dot-separated key paths.
type RawApObj struct {
	data map[string]any
}

func LoadAsRawApObj(body []byte) (*RawApObj, error) {
	var data map[string]any
	err := json.Unmarshal(body, &data)
	return &RawApObj{data}, err
}

func (r *RawApObj) GetData() map[string]any {
	return r.data
}

func (r *RawApObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		if value == nil {
			return nil, false
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawApObj) GetRaw(key string) (*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawApObj{m}, true
}

func (r *RawApObj) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]string); ok && len(arr) > 0 {
		return arr[0], true
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawApObj) MustGetString(key string) string {
	str, ok := r.GetString(key)
	if !ok {
		return ""
	}
	return str
}

func (r *RawApObj) GetBool(key string) (bool, bool) {
	value, ok := r.get(key)
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetStrings flattens a field that may be a single string or a list.
func (r *RawApObj) GetStrings(key string) []string {
	value, ok := r.get(key)
	if !ok {
		return nil
	}

	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
