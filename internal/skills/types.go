// Package skills provides the capability registry: a catalog of invocable
// skills, each exposing named actions with typed parameters. All skill
// invocations — side-effecting ones in particular — flow through the
// single Registry.Invoke chokepoint so the orchestration engine can
// observe them uniformly for auditing and idempotency.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ParamType enumerates supported parameter types.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
)

// ParamSpec declares one action parameter.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// ActionSpec declares one invocable action. SideEffect marks actions that
// change external state; the engine audit-logs those before execution.
type ActionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`
	SideEffect  bool        `json:"side_effect"`
}

// Params carries the arguments of one invocation.
type Params map[string]any

// ActionResult is the output of one invocation.
type ActionResult struct {
	Output map[string]any `json:"output"`
}

// Skill is one registered capability.
type Skill interface {
	Name() string
	Description() string
	Actions() []ActionSpec
	Invoke(ctx context.Context, action string, params Params) (*ActionResult, error)
}

// ActionKey derives the idempotency key for an invocation: skill, action,
// and a digest of the parameters. Identical logical actions yield
// identical keys across retries.
func ActionKey(skill, action string, params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=", k)
		if v, err := json.Marshal(params[k]); err == nil {
			h.Write(v)
		}
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s.%s:%s", skill, action, hex.EncodeToString(h.Sum(nil))[:16])
}

// Typed accessors for params. Presence and type are enforced by the
// registry before any skill runs, so a miss reads as the zero value.

func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

func (p Params) Int(name string) int {
	switch v := p[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (p Params) Float(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}
