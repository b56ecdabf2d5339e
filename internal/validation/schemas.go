package validation

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Complexity grades assigned during analysis.
var complexityLevels = []string{"simple", "moderate", "complex"}

// failureMarkers are fragments that mean the model gave up instead of
// answering; a response containing one is rejected.
var failureMarkers = []string{
	"i cannot help with",
	"as an ai language model",
	"[error]",
	"<error>",
}

// RegisterDefaults installs the schemas:
//   - one analysis schema covering the analyzer's JSON output, with the
//     category values taken from the configured routes;
//   - one execution schema per department, all requiring a substantive
//     response; departments that emit a plan additionally have every
//     planned step checked against the registered skills.
func RegisterDefaults(v *Validator, categories []string, departments []string, skillExists func(name string) bool) {
	v.Register(StageAnalysis, "", analysisSchema(categories))
	for _, dept := range departments {
		v.Register(StageExecution, dept, executionSchema(skillExists))
	}
}

func analysisSchema(categories []string) *Schema {
	return &Schema{
		Fields: []FieldSpec{
			{Name: "category", Type: TypeString, Required: true, MinLen: 1, Enum: categories},
			{Name: "intent", Type: TypeString, Required: true, MinLen: 3},
			{Name: "complexity", Type: TypeString, Required: false, Enum: complexityLevels},
			{Name: "parameters", Type: TypeObject, Required: false},
		},
	}
}

func executionSchema(skillExists func(name string) bool) *Schema {
	return &Schema{
		Fields: []FieldSpec{
			{Name: "response", Type: TypeString, Required: true, MinLen: 1},
			{Name: "confidence", Type: TypeNumber, Required: false, Min: ptr(0), Max: ptr(1)},
			{Name: "plan", Type: TypeArray, Required: false},
		},
		Rules: []Rule{
			{
				Name:  "no_failure_markers",
				Check: checkFailureMarkers,
			},
			{
				Name:  "plan_uses_known_skills",
				Check: checkPlanSkills(skillExists),
			},
		},
	}
}

func checkFailureMarkers(payload gjson.Result) *Violation {
	response := strings.ToLower(payload.Get("response").String())
	for _, marker := range failureMarkers {
		if strings.Contains(response, marker) {
			return &Violation{Field: "response", Reason: fmt.Sprintf("contains failure marker %q", marker)}
		}
	}
	return nil
}

// checkPlanSkills requires every plan step's "skill" to be registered.
func checkPlanSkills(skillExists func(name string) bool) func(gjson.Result) *Violation {
	return func(payload gjson.Result) *Violation {
		if skillExists == nil {
			return nil
		}
		var violation *Violation
		payload.Get("plan").ForEach(func(idx, step gjson.Result) bool {
			name := step.Get("skill").String()
			if name != "" && !skillExists(name) {
				violation = &Violation{
					Field:  fmt.Sprintf("plan.%d.skill", idx.Int()),
					Reason: fmt.Sprintf("references unregistered skill %q", name),
				}
				return false
			}
			return true
		})
		return violation
	}
}

func ptr(f float64) *float64 { return &f }
