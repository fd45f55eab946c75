package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

const draft = "https://json-schema.org/draft/2020-12/schema"

var timeType = reflect.TypeOf(time.Time{})

// Generate derives a JSON schema document from the JSON shape of message.
// Fields without omitempty are required unless they are pointers. A `format`
// struct tag sets the string format, e.g. `format:"uuid"`.
func Generate(message interface{}) ([]byte, error) {
	t := reflect.TypeOf(message)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot generate a schema for %T", message)
	}

	doc := structSchema(t, map[reflect.Type]bool{})
	doc["$schema"] = draft
	doc["title"] = t.Name()
	return json.Marshal(doc)
}

func structSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]interface{} {
	seen[t] = true
	defer delete(seen, t)

	properties := make(map[string]interface{})
	required := make([]string, 0)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}

		name, omitempty := field.Name, false
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}

		prop := typeSchema(field.Type, seen)
		if format := field.Tag.Get("format"); format != "" {
			prop["format"] = format
		}
		properties[name] = prop
		if !omitempty && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func typeSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]interface{} {
	nullable := false
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
		nullable = true
	}

	var schema map[string]interface{}
	switch t.Kind() {
	case reflect.String:
		schema = map[string]interface{}{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		schema = map[string]interface{}{"type": "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		schema = map[string]interface{}{"type": "integer", "minimum": 0}
	case reflect.Float32, reflect.Float64:
		schema = map[string]interface{}{"type": "number"}
	case reflect.Bool:
		schema = map[string]interface{}{"type": "boolean"}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			// []byte marshals as base64
			schema = map[string]interface{}{"type": "string"}
			break
		}
		// nil slices marshal as null
		schema = map[string]interface{}{"type": []string{"array", "null"}, "items": typeSchema(t.Elem(), seen)}
	case reflect.Array:
		schema = map[string]interface{}{"type": "array", "items": typeSchema(t.Elem(), seen)}
	case reflect.Map:
		schema = map[string]interface{}{"type": []string{"object", "null"}}
	case reflect.Struct:
		switch {
		case t == timeType:
			schema = map[string]interface{}{"type": "string", "format": "date-time"}
		case seen[t]:
			schema = map[string]interface{}{"type": "object"}
		default:
			schema = structSchema(t, seen)
		}
	default:
		schema = map[string]interface{}{}
	}

	if nullable {
		if typ, ok := schema["type"].(string); ok {
			schema["type"] = []string{typ, "null"}
		}
	}
	return schema
}
