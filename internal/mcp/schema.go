package mcp

import (
	"encoding/json"
	"fmt"
)

// validateArgs checks a tools/call arguments object against the tool's
// input schema before the handler runs. This covers the subset of JSON
// Schema our tool definitions use: top-level required properties and
// primitive property types. Unknown properties pass through untouched.
func validateArgs(schema map[string]any, args json.RawMessage) error {
	if schema == nil {
		return nil
	}

	var obj map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &obj); err != nil {
			return fmt.Errorf("arguments must be a JSON object")
		}
	}

	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := obj[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := obj[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		value, present := obj[name]
		if !present || value == nil {
			continue
		}
		prop, _ := raw.(map[string]any)
		wantType, _ := prop["type"].(string)
		if wantType == "" {
			continue
		}
		if !typeMatches(wantType, value) {
			return fmt.Errorf("argument %q must be of type %s", name, wantType)
		}
	}
	return nil
}

func typeMatches(wantType string, value any) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}
