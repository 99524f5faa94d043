package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Schema is the JSON Schema subset used by action input schemas.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
	Format     string             `json:"format,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`

	// AdditionalProperties false rejects properties not listed.
	AdditionalProperties *bool `json:"additionalProperties,omitempty"`
}

// ParseSchema decodes raw. Empty input yields nil.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("catalog: parse schema: %w", err)
	}
	return &s, nil
}

// formatTags maps JSON Schema formats to validator tags. Formats not
// listed are accepted unchecked.
var formatTags = map[string]string{
	"email":     "email",
	"uri":       "uri",
	"url":       "url",
	"uuid":      "uuid",
	"hostname":  "hostname_rfc1123",
	"ipv4":      "ipv4",
	"ipv6":      "ipv6",
	"date-time": "datetime=2006-01-02T15:04:05Z07:00",
	"date":      "datetime=2006-01-02",
}

type checker struct {
	v    *validator.Validate
	errs []FieldError
}

func (c *checker) add(field, rule, format string, args ...any) {
	c.errs = append(c.errs, FieldError{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) check(path string, s *Schema, v any) {
	if s == nil {
		return
	}
	if s.Type != "" && !hasType(s.Type, v) {
		c.add(path, "type", "want %s, got %s", s.Type, typeName(v))
		return
	}
	if len(s.Enum) > 0 && !inEnum(s.Enum, v) {
		c.add(path, "enum", "value %v not in %v", v, s.Enum)
	}

	switch val := v.(type) {
	case string:
		n := utf8.RuneCountInString(val)
		if s.MinLength != nil && n < *s.MinLength {
			c.add(path, "minLength", "length %d below %d", n, *s.MinLength)
		}
		if s.MaxLength != nil && n > *s.MaxLength {
			c.add(path, "maxLength", "length %d above %d", n, *s.MaxLength)
		}
		if tag, ok := formatTags[s.Format]; ok {
			if err := c.v.Var(val, tag); err != nil {
				c.add(path, "format", "not a valid %s", s.Format)
			}
		}
	case map[string]any:
		c.object(path, s, val)
	case []any:
		for i, item := range val {
			c.check(fmt.Sprintf("%s[%d]", path, i), s.Items, item)
		}
	default:
		if f, ok := toFloat(v); ok {
			if s.Minimum != nil && f < *s.Minimum {
				c.add(path, "minimum", "%v below %v", f, *s.Minimum)
			}
			if s.Maximum != nil && f > *s.Maximum {
				c.add(path, "maximum", "%v above %v", f, *s.Maximum)
			}
		}
	}
}

func (c *checker) object(path string, s *Schema, obj map[string]any) {
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			c.add(join(path, name), "required", "is required")
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		prop, known := s.Properties[k]
		if !known {
			if s.AdditionalProperties != nil && !*s.AdditionalProperties {
				c.add(join(path, k), "additionalProperties", "is not allowed")
			}
			continue
		}
		c.check(join(path, k), prop, obj[k])
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func hasType(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case nil, bool, string:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func inEnum(enum []any, v any) bool {
	if f, ok := toFloat(v); ok {
		return slices.ContainsFunc(enum, func(e any) bool {
			g, ok := toFloat(e)
			return ok && g == f
		})
	}
	return slices.ContainsFunc(enum, func(e any) bool {
		return reflect.DeepEqual(e, v)
	})
}
