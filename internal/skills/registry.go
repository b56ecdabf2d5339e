package skills

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/maestro/internal/skills"

var (
	// ErrUnknownSkill indicates the skill name is not registered.
	ErrUnknownSkill = errors.New("unknown skill")

	// ErrUnknownAction indicates the skill has no such action.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidParams indicates the parameters do not satisfy the
	// action's declared schema.
	ErrInvalidParams = errors.New("invalid params")
)

// ActionError wraps an underlying action failure (failed command,
// network timeout, API error).
type ActionError struct {
	Skill  string
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s.%s failed: %v", e.Skill, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Invoker is the invocation surface departments receive. The engine
// wraps the registry's Invoker with audit/idempotency bookkeeping.
type Invoker interface {
	Invoke(ctx context.Context, skill, action string, params Params) (*ActionResult, error)
	Spec(skill, action string) (*ActionSpec, error)
	Has(skill string) bool
}

// Registry is the load-time-built skill catalog. Registration happens at
// startup; lookups and invocations are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill

	logger      *zap.Logger
	tracer      trace.Tracer
	invocations metric.Int64Counter
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		skills: make(map[string]Skill),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	var err error
	r.invocations, err = otel.Meter(instrumentationName).Int64Counter(
		"maestro.skills.invocations_total",
		metric.WithDescription("Total skill invocations by skill, action and outcome"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		logger.Warn("failed to create invocation counter", zap.Error(err))
	}
	return r
}

// Register adds a skill. Duplicate names are rejected.
func (r *Registry) Register(skill Skill) error {
	if skill == nil || skill.Name() == "" {
		return errors.New("skill must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[skill.Name()]; exists {
		return fmt.Errorf("skill %q already registered", skill.Name())
	}
	r.skills[skill.Name()] = skill

	r.logger.Info("registered skill",
		zap.String("skill", skill.Name()),
		zap.Int("actions", len(skill.Actions())))
	return nil
}

// Has reports whether a skill is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[name]
	return ok
}

// List returns the registered skills sorted by name-independent map
// iteration; callers needing order sort themselves.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	return out
}

// Spec returns the action spec, or ErrUnknownSkill/ErrUnknownAction.
func (r *Registry) Spec(skill, action string) (*ActionSpec, error) {
	r.mu.RLock()
	s, ok := r.skills[skill]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, skill)
	}
	for _, spec := range s.Actions() {
		if spec.Name == action {
			return &spec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAction, skill, action)
}

// Invoke validates parameters against the action's declared schema and
// runs the action. Underlying failures are wrapped in *ActionError.
func (r *Registry) Invoke(ctx context.Context, skill, action string, params Params) (*ActionResult, error) {
	ctx, span := r.tracer.Start(ctx, "skills.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("skill", skill),
		attribute.String("action", action),
	)

	spec, err := r.Spec(skill, action)
	if err != nil {
		r.count(ctx, skill, action, "rejected")
		return nil, err
	}

	if err := validateParams(spec, params); err != nil {
		r.count(ctx, skill, action, "rejected")
		return nil, err
	}

	r.mu.RLock()
	s := r.skills[skill]
	r.mu.RUnlock()

	result, err := s.Invoke(ctx, action, params)
	if err != nil {
		span.RecordError(err)
		r.count(ctx, skill, action, "error")
		var actionErr *ActionError
		if errors.As(err, &actionErr) {
			return nil, err
		}
		return nil, &ActionError{Skill: skill, Action: action, Err: err}
	}

	r.count(ctx, skill, action, "ok")
	return result, nil
}

func (r *Registry) count(ctx context.Context, skill, action, outcome string) {
	if r.invocations == nil {
		return
	}
	r.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("skill", skill),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// validateParams checks required presence and declared types.
func validateParams(spec *ActionSpec, params Params) error {
	declared := make(map[string]ParamSpec, len(spec.Params))
	for _, p := range spec.Params {
		declared[p.Name] = p
		if !p.Required {
			continue
		}
		if _, present := params[p.Name]; !present {
			return fmt.Errorf("%w: missing required param %q", ErrInvalidParams, p.Name)
		}
	}

	for name, value := range params {
		p, known := declared[name]
		if !known {
			return fmt.Errorf("%w: unexpected param %q", ErrInvalidParams, name)
		}
		if !typeMatches(p.Type, value) {
			return fmt.Errorf("%w: param %q must be %s", ErrInvalidParams, name, p.Type)
		}
	}
	return nil
}

func typeMatches(t ParamType, value any) bool {
	switch t {
	case ParamString:
		_, ok := value.(string)
		return ok
	case ParamInt:
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case ParamFloat:
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case ParamBool:
		_, ok := value.(bool)
		return ok
	case ParamObject:
		switch value.(type) {
		case map[string]any, []any:
			return true
		}
		return false
	}
	return false
}
