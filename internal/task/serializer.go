package task

import "encoding/json"

// Serializer converts task results to strings before persistence.
type Serializer interface {
	Dumps(v any) (string, error)
}

// JSONSerializer is the default serializer. Strings pass through as-is.
type JSONSerializer struct{}

func (JSONSerializer) Dumps(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
