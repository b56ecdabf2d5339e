// Package validation enforces structural and semantic rules on the JSON
// payloads crossing stage boundaries. Schemas are keyed by (stage,
// department); the analysis stage uses a single department-independent
// schema. Validation never mutates its input: normalization produces a
// fresh byte slice.
package validation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Stage names the boundary a payload crosses.
type Stage string

const (
	StageAnalysis  Stage = "analysis"
	StageExecution Stage = "execution"
)

// FieldType is the expected JSON type of a schema field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeArray  FieldType = "array"
	TypeObject FieldType = "object"
)

// Violation records a single failed check.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Result is the outcome of validating one payload.
type Result struct {
	OK         bool
	Normalized []byte
	Violations []Violation
}

// FieldSpec declares structural expectations for one top-level field.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	MinLen   int      // strings: minimum length after trimming
	Enum     []string // strings: allowed values, empty means any
	Min, Max *float64 // numbers: inclusive bounds
}

// Rule is a semantic predicate evaluated after structural checks pass
// for the fields it depends on. It returns nil when satisfied.
type Rule struct {
	Name  string
	Check func(payload gjson.Result) *Violation
}

// Schema bundles the structural fields and semantic rules for one
// (stage, department) boundary.
type Schema struct {
	Fields []FieldSpec
	Rules  []Rule
}

// Validator holds registered schemas.
type Validator struct {
	schemas map[string]*Schema
}

// New creates a validator with no schemas registered.
func New() *Validator {
	return &Validator{schemas: make(map[string]*Schema)}
}

func schemaKey(stage Stage, department string) string {
	if stage == StageAnalysis {
		department = ""
	}
	return string(stage) + "/" + department
}

// Register installs a schema for a boundary, replacing any previous one.
func (v *Validator) Register(stage Stage, department string, schema *Schema) {
	v.schemas[schemaKey(stage, department)] = schema
}

// Has reports whether a schema is registered for the boundary.
func (v *Validator) Has(stage Stage, department string) bool {
	_, ok := v.schemas[schemaKey(stage, department)]
	return ok
}

// Validate checks payload against the boundary's schema. A missing
// schema is a validation failure, not a pass: unvalidated output must
// not flow downstream.
func (v *Validator) Validate(stage Stage, department string, payload []byte) Result {
	schema, ok := v.schemas[schemaKey(stage, department)]
	if !ok {
		return Result{Violations: []Violation{{
			Field:  "",
			Reason: fmt.Sprintf("no schema registered for %s/%s", stage, department),
		}}}
	}

	if !gjson.ValidBytes(payload) {
		return Result{Violations: []Violation{{Field: "", Reason: "payload is not valid JSON"}}}
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return Result{Violations: []Violation{{Field: "", Reason: "payload must be a JSON object"}}}
	}

	normalized := append([]byte(nil), payload...)
	var violations []Violation

	for _, field := range schema.Fields {
		value := doc.Get(field.Name)
		if !value.Exists() {
			if field.Required {
				violations = append(violations, Violation{Field: field.Name, Reason: "required field missing"})
			}
			continue
		}

		fieldViolations, out := checkField(field, value, normalized)
		violations = append(violations, fieldViolations...)
		normalized = out
	}

	if len(violations) == 0 {
		// Semantic rules run against the normalized document.
		norm := gjson.ParseBytes(normalized)
		for _, rule := range schema.Rules {
			if violation := rule.Check(norm); violation != nil {
				violations = append(violations, *violation)
			}
		}
	}

	if len(violations) > 0 {
		return Result{Violations: violations}
	}
	return Result{OK: true, Normalized: normalized}
}

// checkField validates one field and applies its normalization to the
// working copy, returning the updated bytes.
func checkField(field FieldSpec, value gjson.Result, normalized []byte) ([]Violation, []byte) {
	var violations []Violation

	switch field.Type {
	case TypeString:
		if value.Type != gjson.String {
			violations = append(violations, Violation{Field: field.Name, Reason: "must be a string"})
			return violations, normalized
		}
		trimmed := strings.TrimSpace(value.String())
		if trimmed != value.String() {
			normalized, _ = sjson.SetBytes(normalized, field.Name, trimmed)
		}
		if len(trimmed) < field.MinLen {
			violations = append(violations, Violation{
				Field:  field.Name,
				Reason: fmt.Sprintf("must be at least %d characters", field.MinLen),
			})
		}
		if len(field.Enum) > 0 && !contains(field.Enum, trimmed) {
			violations = append(violations, Violation{
				Field:  field.Name,
				Reason: fmt.Sprintf("must be one of %s", strings.Join(field.Enum, ", ")),
			})
		}

	case TypeNumber:
		num, ok := numericValue(value)
		if !ok {
			violations = append(violations, Violation{Field: field.Name, Reason: "must be a number"})
			return violations, normalized
		}
		// Numeric strings within schema are coerced.
		if value.Type == gjson.String {
			normalized, _ = sjson.SetBytes(normalized, field.Name, num)
		}
		if field.Min != nil && num < *field.Min {
			violations = append(violations, Violation{
				Field:  field.Name,
				Reason: fmt.Sprintf("must be >= %g", *field.Min),
			})
		}
		if field.Max != nil && num > *field.Max {
			violations = append(violations, Violation{
				Field:  field.Name,
				Reason: fmt.Sprintf("must be <= %g", *field.Max),
			})
		}

	case TypeBool:
		if value.Type != gjson.True && value.Type != gjson.False {
			violations = append(violations, Violation{Field: field.Name, Reason: "must be a boolean"})
		}

	case TypeArray:
		if !value.IsArray() {
			violations = append(violations, Violation{Field: field.Name, Reason: "must be an array"})
		}

	case TypeObject:
		if !value.IsObject() {
			violations = append(violations, Violation{Field: field.Name, Reason: "must be an object"})
		}
	}

	return violations, normalized
}

func numericValue(value gjson.Result) (float64, bool) {
	switch value.Type {
	case gjson.Number:
		return value.Float(), true
	case gjson.String:
		s := strings.TrimSpace(value.String())
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
