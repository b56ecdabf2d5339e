package skills

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubSkill is a hand-rolled test double with injectable behavior.
type stubSkill struct {
	name     string
	actions  []ActionSpec
	invokeFn func(ctx context.Context, action string, params Params) (*ActionResult, error)
}

func (s *stubSkill) Name() string          { return s.name }
func (s *stubSkill) Description() string   { return "stub" }
func (s *stubSkill) Actions() []ActionSpec { return s.actions }

func (s *stubSkill) Invoke(ctx context.Context, action string, params Params) (*ActionResult, error) {
	return s.invokeFn(ctx, action, params)
}

func newStub() *stubSkill {
	return &stubSkill{
		name: "stub",
		actions: []ActionSpec{{
			Name: "echo",
			Params: []ParamSpec{
				{Name: "text", Type: ParamString, Required: true},
				{Name: "times", Type: ParamInt, Required: false},
			},
		}},
		invokeFn: func(_ context.Context, _ string, params Params) (*ActionResult, error) {
			return &ActionResult{Output: map[string]any{"text": params.String("text")}}, nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newStub()))

	assert.True(t, r.Has("stub"))
	assert.False(t, r.Has("missing"))
	assert.Len(t, r.List(), 1)

	err := r.Register(newStub())
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newStub()))

	result, err := r.Invoke(context.Background(), "stub", "echo", Params{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Output["text"])
}

func TestRegistryInvokeErrors(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newStub()))

	tests := []struct {
		name    string
		skill   string
		action  string
		params  Params
		wantErr error
	}{
		{"unknown skill", "nope", "echo", Params{"text": "x"}, ErrUnknownSkill},
		{"unknown action", "stub", "nope", Params{"text": "x"}, ErrUnknownAction},
		{"missing required", "stub", "echo", Params{}, ErrInvalidParams},
		{"unexpected param", "stub", "echo", Params{"text": "x", "bogus": 1}, ErrInvalidParams},
		{"wrong type", "stub", "echo", Params{"text": 42}, ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), tt.skill, tt.action, tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegistryInvokeWrapsActionError(t *testing.T) {
	s := newStub()
	boom := errors.New("boom")
	s.invokeFn = func(context.Context, string, Params) (*ActionResult, error) {
		return nil, boom
	}

	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(s))

	_, err := r.Invoke(context.Background(), "stub", "echo", Params{"text": "x"})
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "stub", actionErr.Skill)
	assert.Equal(t, "echo", actionErr.Action)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryIntParamAcceptsJSONNumbers(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newStub()))

	// json.Unmarshal into map[string]any decodes numbers as float64.
	_, err := r.Invoke(context.Background(), "stub", "echo", Params{"text": "x", "times": float64(3)})
	assert.NoError(t, err)

	_, err = r.Invoke(context.Background(), "stub", "echo", Params{"text": "x", "times": 3.5})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRegistrySpecSideEffect(t *testing.T) {
	s := newStub()
	s.actions = append(s.actions, ActionSpec{Name: "mutate", SideEffect: true})

	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(s))

	spec, err := r.Spec("stub", "mutate")
	require.NoError(t, err)
	assert.True(t, spec.SideEffect)

	spec, err = r.Spec("stub", "echo")
	require.NoError(t, err)
	assert.False(t, spec.SideEffect)
}

func TestParamsAccessors(t *testing.T) {
	p := Params{
		"text":  "hello",
		"count": float64(3), // JSON numbers decode as float64
		"whole": int64(7),
		"ratio": 0.5,
		"flag":  true,
	}

	assert.Equal(t, "hello", p.String("text"))
	assert.Equal(t, 3, p.Int("count"))
	assert.Equal(t, 7, p.Int("whole"))
	assert.Equal(t, 0.5, p.Float("ratio"))
	assert.Equal(t, float64(3), p.Float("count"))
	assert.True(t, p.Bool("flag"))

	// Absent or mistyped params read as the zero value; the registry
	// rejects such invocations before a skill ever sees them.
	assert.Equal(t, "", p.String("missing"))
	assert.Equal(t, 0, p.Int("text"))
	assert.Equal(t, float64(0), p.Float("missing"))
	assert.False(t, p.Bool("count"))
}

func TestActionKeyDeterministic(t *testing.T) {
	a := ActionKey("file", "write_file", Params{"path": "a.txt", "content": "x"})
	b := ActionKey("file", "write_file", Params{"content": "x", "path": "a.txt"})
	assert.Equal(t, a, b, "key must be independent of param order")

	c := ActionKey("file", "write_file", Params{"path": "b.txt", "content": "x"})
	assert.NotEqual(t, a, c)

	assert.Contains(t, a, "file.write_file:")
}
