// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package action

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Type is a JSON schema primitive type.
type Type string

const (
	TypeObject  Type = "object"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
)

// Schema is the subset of JSON Schema used to describe action arguments.
// It marshals to a document LLM providers accept as a tool input schema.
type Schema struct {
	Type                 Type               `json:"type"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MaxLength            int                `json:"maxLength,omitempty"`
	MaxItems             int                `json:"maxItems,omitempty"`
	// Format is one of "host", "hostname", "ip" or "url".
	Format string `json:"format,omitempty"`
}

// Float is a convenience for Minimum and Maximum literals.
func Float(v float64) *float64 { return &v }

// Closed returns a pointer to false for AdditionalProperties.
func Closed() *bool { f := false; return &f }

// Map renders the schema as a generic JSON object.
func (s *Schema) Map() map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// formatTags maps schema formats to validator tags.
var formatTags = map[string]string{
	"host":     "hostname_rfc1123|ip",
	"hostname": "hostname_rfc1123",
	"ip":       "ip",
	"url":      "url",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks args against s and returns a coded ValidationError that
// lists every violation, or nil.
func (s *Schema) Validate(args map[string]any) error {
	var violations []string
	var v any = args
	if args == nil {
		v = map[string]any{}
	}
	s.check("", v, &violations)
	if len(violations) == 0 {
		return nil
	}
	return nderr.New(nderr.CodeActionArgsInvalid,
		"invalid arguments: "+strings.Join(violations, "; "),
		nderr.Field("violations", violations))
}

func (s *Schema) check(path string, value any, out *[]string) {
	label := path
	if label == "" {
		label = "arguments"
	}

	if !typeMatches(s.Type, value) {
		*out = append(*out, fmt.Sprintf("%s: expected %s, got %s", label, s.Type, jsonType(value)))
		return
	}

	switch s.Type {
	case TypeObject:
		obj := value.(map[string]any)
		for _, name := range s.Required {
			if v, ok := obj[name]; !ok || v == nil {
				*out = append(*out, fmt.Sprintf("%s: required", join(path, name)))
			}
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			prop, ok := s.Properties[k]
			if !ok {
				if s.AdditionalProperties != nil && !*s.AdditionalProperties {
					*out = append(*out, fmt.Sprintf("%s: unknown property", join(path, k)))
				}
				continue
			}
			if obj[k] == nil {
				continue
			}
			prop.check(join(path, k), obj[k], out)
		}
	case TypeArray:
		items := value.([]any)
		if s.MaxItems > 0 && len(items) > s.MaxItems {
			*out = append(*out, fmt.Sprintf("%s: at most %d items", label, s.MaxItems))
		}
		if s.Items != nil {
			for i, item := range items {
				s.Items.check(fmt.Sprintf("%s[%d]", label, i), item, out)
			}
		}
	default:
		if s.Type == TypeNumber && len(s.Enum) > 0 && !enumContains(s.Enum, value) {
			*out = append(*out, fmt.Sprintf("%s: must be one of %v", label, s.Enum))
			return
		}
		if tag := s.leafTag(); tag != "" {
			if err := validate.Var(normalizeNumber(s.Type, value), tag); err != nil {
				*out = append(*out, fmt.Sprintf("%s: %s", label, describe(err, s)))
			}
		}
	}
}

// leafTag compiles scalar constraints into a validator tag.
func (s *Schema) leafTag() string {
	var tags []string
	switch s.Type {
	case TypeString:
		if s.MaxLength > 0 {
			tags = append(tags, "max="+strconv.Itoa(s.MaxLength))
		}
		if f, ok := formatTags[s.Format]; ok {
			tags = append(tags, f)
		}
	case TypeInteger, TypeNumber:
		if s.Minimum != nil {
			tags = append(tags, "min="+strconv.FormatFloat(*s.Minimum, 'f', -1, 64))
		}
		if s.Maximum != nil {
			tags = append(tags, "max="+strconv.FormatFloat(*s.Maximum, 'f', -1, 64))
		}
	}
	if len(s.Enum) > 0 && s.Type != TypeNumber {
		vals := make([]string, len(s.Enum))
		for i, e := range s.Enum {
			vals[i] = fmt.Sprint(e)
		}
		tags = append(tags, "oneof="+strings.Join(vals, " "))
	}
	return strings.Join(tags, ",")
}

func describe(err error, s *Schema) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "min":
		return "must be >= " + fe.Param()
	case "max":
		if s.Type == TypeString {
			return "longer than " + fe.Param() + " characters"
		}
		return "must be <= " + fe.Param()
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	default:
		if s.Format != "" {
			return "not a valid " + s.Format
		}
		return "failed " + fe.Tag()
	}
}

func typeMatches(t Type, v any) bool {
	switch t {
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	default:
		return true
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		if _, ok := toFloat(v); ok {
			return "number"
		}
		return fmt.Sprintf("%T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalizeNumber converts JSON numbers so validator compares them by
// value. Integer bounds and enums must therefore be integral.
func normalizeNumber(t Type, v any) any {
	f, ok := toFloat(v)
	if !ok {
		return v
	}
	switch t {
	case TypeInteger:
		return int64(f)
	case TypeNumber:
		return f
	default:
		return v
	}
}

func enumContains(enum []any, v any) bool {
	f, ok := toFloat(v)
	for _, e := range enum {
		if ef, eok := toFloat(e); eok && ok && ef == f {
			return true
		}
	}
	return false
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
