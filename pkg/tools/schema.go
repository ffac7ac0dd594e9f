package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Schema describes the parameters a tool accepts.
type Schema map[string]Field

// Field is a single parameter definition.
type Field struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
	MinLength   int      `json:"minLength,omitempty" yaml:"min_length,omitempty"`
	Enum        []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Items       string   `json:"items,omitempty" yaml:"items,omitempty"`
}

// Params are the arguments of a single tool call.
type Params map[string]any

// String returns a string parameter or "".
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer parameter or 0.
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// Bool returns a boolean parameter or false.
func (p Params) Bool(key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

// Strings returns a string list parameter.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
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

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Validate checks params against the schema and returns a copy with
// defaults filled in. Unknown parameters are rejected.
func (s Schema) Validate(params Params) (Params, error) {
	out := params.Clone()
	for name := range params {
		if _, ok := s[name]; !ok {
			return nil, fmt.Errorf("unknown parameter: %s", name)
		}
	}
	for _, name := range s.names() {
		field := s[name]
		val, exists := out[name]
		if !exists || val == nil {
			if field.Default != nil {
				out[name] = field.Default
				continue
			}
			if field.Required {
				return nil, fmt.Errorf("missing required parameter: %s", name)
			}
			continue
		}
		if err := validateField(name, val, field); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// names returns field names in stable order so errors are deterministic.
func (s Schema) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateField(name string, val any, field Field) error {
	switch field.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("parameter %s: expected string, got %T", name, val)
		}
		if field.MinLength > 0 && len(str) < field.MinLength {
			return fmt.Errorf("parameter %s: too short (min %d)", name, field.MinLength)
		}
		if field.MaxLength > 0 && len(str) > field.MaxLength {
			return fmt.Errorf("parameter %s: too long (max %d)", name, field.MaxLength)
		}
		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err != nil {
				return fmt.Errorf("parameter %s: bad pattern: %w", name, err)
			}
			if !re.MatchString(str) {
				return fmt.Errorf("parameter %s: does not match %s", name, field.Pattern)
			}
		}
		if len(field.Enum) > 0 && !inEnum(str, field.Enum) {
			return fmt.Errorf("parameter %s: value not in allowed list", name)
		}

	case "number", "integer":
		num, ok := toFloat(val)
		if !ok {
			return fmt.Errorf("parameter %s: expected %s, got %T", name, field.Type, val)
		}
		if field.Type == "integer" && num != float64(int64(num)) {
			return fmt.Errorf("parameter %s: expected integer, got %v", name, num)
		}
		if field.Minimum != nil && num < *field.Minimum {
			return fmt.Errorf("parameter %s: %v below minimum %v", name, num, *field.Minimum)
		}
		if field.Maximum != nil && num > *field.Maximum {
			return fmt.Errorf("parameter %s: %v above maximum %v", name, num, *field.Maximum)
		}
		if len(field.Enum) > 0 && !inEnum(num, field.Enum) {
			return fmt.Errorf("parameter %s: value not in allowed list", name)
		}

	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("parameter %s: expected boolean, got %T", name, val)
		}

	case "object":
		if _, ok := val.(map[string]any); !ok {
			if _, ok := val.(Params); !ok {
				return fmt.Errorf("parameter %s: expected object, got %T", name, val)
			}
		}

	case "array":
		switch v := val.(type) {
		case []any:
			if field.Items == "string" {
				for i, item := range v {
					if _, ok := item.(string); !ok {
						return fmt.Errorf("parameter %s[%d]: expected string, got %T", name, i, item)
					}
				}
			}
		case []string:
		default:
			return fmt.Errorf("parameter %s: expected array, got %T", name, val)
		}

	default:
		return fmt.Errorf("parameter %s: unsupported schema type %q", name, field.Type)
	}
	return nil
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func inEnum(val any, enum []any) bool {
	for _, allowed := range enum {
		if allowed == val {
			return true
		}
		if f, ok := val.(float64); ok {
			if af, ok := toFloat(allowed); ok && af == f {
				return true
			}
		}
	}
	return false
}

// JSONSchema renders the schema as a JSON Schema object for model tool calling.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	required := []string{}
	for _, name := range s.names() {
		f := s[name]
		prop := map[string]any{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		if f.Type == "array" {
			items := f.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		if f.Minimum != nil {
			prop["minimum"] = *f.Minimum
		}
		if f.Maximum != nil {
			prop["maximum"] = *f.Maximum
		}
		props[name] = prop
		if f.Required {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
