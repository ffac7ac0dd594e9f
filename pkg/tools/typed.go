package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// TypedTool builds a Tool from a handler over a Go input struct. The
// parameter schema is derived from the struct's json and jsonschema tags.
type TypedTool[I any] struct {
	desc    Descriptor
	handler func(context.Context, Env, I) (string, error)
}

// NewTypedTool derives the schema from I and wraps handler.
func NewTypedTool[I any](desc Descriptor, handler func(context.Context, Env, I) (string, error)) *TypedTool[I] {
	if desc.Params == nil {
		desc.Params = SchemaFor[I]()
	}
	return &TypedTool[I]{desc: desc, handler: handler}
}

// Descriptor returns the tool descriptor with its derived schema.
func (t *TypedTool[I]) Descriptor() Descriptor { return t.desc }

// Tool converts the typed tool into a registrable Tool.
func (t *TypedTool[I]) Tool() Tool {
	return Tool{
		Descriptor: t.desc,
		Handler: func(ctx context.Context, env Env, params Params) (string, error) {
			var input I
			raw, err := json.Marshal(params)
			if err != nil {
				return "", &ExecutionError{Kind: KindInvalidParameters, Tool: t.desc.Name, Err: err}
			}
			if err := json.Unmarshal(raw, &input); err != nil {
				return "", &ExecutionError{Kind: KindInvalidParameters, Tool: t.desc.Name, Err: fmt.Errorf("decode input: %w", err)}
			}
			return t.handler(ctx, env, input)
		},
	}
}

// SchemaFor generates a Schema from the exported fields of struct T.
//
// Tags:
//
//	json:"name"                         parameter name
//	description:"..."                   field description
//	jsonschema:"required,minLength=1"   constraints; enum values use a|b|c
func SchemaFor[T any]() Schema {
	schema := make(Schema)
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return schema
	}
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := jsonName(sf.Tag.Get("json"), sf.Name)
		if name == "-" {
			continue
		}
		field := Field{
			Type:        jsonType(sf.Type),
			Description: sf.Tag.Get("description"),
		}
		if field.Type == "array" {
			field.Items = jsonType(sf.Type.Elem())
		}
		applySchemaTag(sf.Tag.Get("jsonschema"), &field)
		schema[name] = field
	}
	return schema
}

func jsonName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return strings.ToLower(fallback)
	}
	return name
}

func jsonType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

func applySchemaTag(tag string, field *Field) {
	if tag == "" {
		return
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		key, value, hasValue := strings.Cut(part, "=")
		if !hasValue {
			if key == "required" {
				field.Required = true
			}
			continue
		}
		switch key {
		case "minLength":
			if n, err := strconv.Atoi(value); err == nil {
				field.MinLength = n
			}
		case "maxLength":
			if n, err := strconv.Atoi(value); err == nil {
				field.MaxLength = n
			}
		case "pattern":
			field.Pattern = value
		case "minimum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Minimum = &f
			}
		case "maximum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Maximum = &f
			}
		case "default":
			field.Default = parseDefault(field.Type, value)
		case "enum":
			for _, v := range strings.Split(value, "|") {
				field.Enum = append(field.Enum, strings.TrimSpace(v))
			}
		}
	}
}

func parseDefault(typ, value string) any {
	switch typ {
	case "integer", "number":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}
