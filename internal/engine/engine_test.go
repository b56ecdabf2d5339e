package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/config"
	"github.com/fyrsmithlabs/maestro/internal/department"
	"github.com/fyrsmithlabs/maestro/internal/inference"
	"github.com/fyrsmithlabs/maestro/internal/skills"
	"github.com/fyrsmithlabs/maestro/internal/store"
	"github.com/fyrsmithlabs/maestro/internal/validation"
)

// scriptedClient is a deterministic inference stub. The script decides
// the answer from the calling role and the per-role call count.
type scriptedClient struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(role string, call int, req inference.Request) (string, error)
}

func newScriptedClient(script func(role string, call int, req inference.Request) (string, error)) *scriptedClient {
	return &scriptedClient{calls: make(map[string]int), script: script}
}

func (c *scriptedClient) Complete(_ context.Context, req inference.Request) (string, error) {
	c.mu.Lock()
	c.calls[req.Role]++
	n := c.calls[req.Role]
	c.mu.Unlock()
	return c.script(req.Role, n, req)
}

// recordingSkill is a scripted skill that tracks its invocations.
type recordingSkill struct {
	name    string
	actions []skills.ActionSpec

	mu      sync.Mutex
	invoked []string
}

func (s *recordingSkill) Name() string                 { return s.name }
func (s *recordingSkill) Description() string          { return s.name }
func (s *recordingSkill) Actions() []skills.ActionSpec { return s.actions }

func (s *recordingSkill) Invoke(_ context.Context, action string, _ skills.Params) (*skills.ActionResult, error) {
	s.mu.Lock()
	s.invoked = append(s.invoked, action)
	s.mu.Unlock()
	return &skills.ActionResult{Output: map[string]any{"action": action, "ok": true}}, nil
}

func (s *recordingSkill) invocations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invoked...)
}

type testEnv struct {
	store     *store.Store
	engine    *Engine
	sessionID string
	github    *recordingSkill
	shell     *recordingSkill
}

func analysisJSON(category, intent string) string {
	return fmt.Sprintf(`{"category": %q, "intent": %q, "complexity": "simple", "parameters": {}}`, category, intent)
}

const githubPlan = `[
	{"skill": "github", "action": "get_repo", "params": {"owner": "octo", "repo": "x"}},
	{"skill": "github", "action": "list_issues", "params": {"owner": "octo", "repo": "x"}}
]`

// defaultScript answers every role a crew in these tests may exercise.
func defaultScript(role string, call int, _ inference.Request) (string, error) {
	switch role {
	case "analyzer":
		return analysisJSON("github", "summarize the latest commits in repo x"), nil
	case "github-lead":
		if call%2 == 1 {
			return githubPlan, nil
		}
		return "Repo x has 3 stars and 2 open issues.", nil
	case "automation-lead":
		if call%2 == 1 {
			return `[{"skill": "shell", "action": "run_command", "params": {"command": "rm -rf /tmp/scratch"}}]`, nil
		}
		return "cleanup done", nil
	case "researcher":
		return "notes about the request", nil
	case "writer":
		return "Here is what I found about the request.", nil
	case "drafter", "editor":
		return "a polished piece of text", nil
	case "analyst", "coding-lead":
		return "analysis response", nil
	}
	return "", fmt.Errorf("unscripted role %q", role)
}

func newTestEnv(t *testing.T, script func(string, int, inference.Request) (string, error)) *testEnv {
	t.Helper()
	return newTestEnvWithValidator(t, script, nil)
}

func newTestEnvWithValidator(t *testing.T, script func(string, int, inference.Request) (string, error), validator Validator) *testEnv {
	t.Helper()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	session, err := st.CreateSession(context.Background(), nil)
	require.NoError(t, err)

	github := &recordingSkill{name: "github", actions: []skills.ActionSpec{
		{Name: "get_repo", Params: []skills.ParamSpec{
			{Name: "owner", Type: skills.ParamString, Required: true},
			{Name: "repo", Type: skills.ParamString, Required: true},
		}},
		{Name: "list_issues", Params: []skills.ParamSpec{
			{Name: "owner", Type: skills.ParamString, Required: true},
			{Name: "repo", Type: skills.ParamString, Required: true},
		}},
		{Name: "create_gist", SideEffect: true, Params: []skills.ParamSpec{
			{Name: "filename", Type: skills.ParamString, Required: true},
			{Name: "content", Type: skills.ParamString, Required: true},
		}},
	}}
	shell := &recordingSkill{name: "shell", actions: []skills.ActionSpec{
		{Name: "run_command", SideEffect: true, Params: []skills.ParamSpec{
			{Name: "command", Type: skills.ParamString, Required: true},
		}},
	}}

	registry := skills.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(github))
	require.NoError(t, registry.Register(shell))

	client := newScriptedClient(script)
	deps := department.Deps{
		Inference:        client,
		Skills:           registry,
		ApprovalRequired: []string{"shell.run_command", "github.create_gist"},
		AgentTimeout:     2 * time.Second,
	}
	departments, err := department.NewRegistry(department.DefaultCrews(deps)...)
	require.NoError(t, err)

	if validator == nil {
		v := validation.New()
		validation.RegisterDefaults(v, nil, departments.Names(), registry.Has)
		validator = v
	}

	cfg := config.EngineConfig{
		MaxRequestBytes: 4096,
		MaxReroutes:     2,
		MaxSteps:        20,
		TaskTimeout:     config.Duration(10 * time.Second),
		SkillTimeout:    config.Duration(2 * time.Second),
	}
	routes := config.DepartmentsConfig{
		Routes: map[string]string{
			"github":     "github",
			"research":   "research",
			"analysis":   "analysis",
			"coding":     "coding",
			"writing":    "writing",
			"automation": "automation",
		},
		Fallback: "research",
	}
	policy := inference.Policy{
		MaxAttempts:       2,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	eng, err := New(cfg, routes, st, client, policy, validator, nil, departments, registry, zap.NewNop())
	require.NoError(t, err)

	return &testEnv{store: st, engine: eng, sessionID: session.ID, github: github, shell: shell}
}

// assertGapFreeSteps verifies the step history is 1..n with no gaps.
func assertGapFreeSteps(t *testing.T, st *store.Store, taskID string) []*store.TaskStep {
	t.Helper()
	steps, err := st.ListSteps(context.Background(), taskID)
	require.NoError(t, err)
	for i, step := range steps {
		assert.Equal(t, int64(i+1), step.Seq, "step %d has seq %d", i, step.Seq)
	}
	return steps
}

func auditEntriesOfKind(t *testing.T, st *store.Store, taskID string, kind store.AuditKind) []*store.AuditEntry {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), taskID)
	require.NoError(t, err)
	var out []*store.AuditEntry
	for _, entry := range entries {
		if entry.Kind == kind {
			out = append(out, entry)
		}
	}
	return out
}

func TestSubmitRejectsMalformedRequests(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	_, err := env.engine.Submit(ctx, env.sessionID, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'a'
	}
	_, err = env.engine.Submit(ctx, env.sessionID, string(big))
	assert.ErrorIs(t, err, ErrValidation)

	tasks, err := env.store.ListTasksBySession(ctx, env.sessionID, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected submissions write no state")
}

func TestEndToEndGitHub(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	taskID, err := env.engine.Submit(ctx, env.sessionID, "Summarize the latest commits in repo X")
	require.NoError(t, err)

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Contains(t, task.Response, "Repo x has 3 stars")

	assert.Equal(t, []string{"get_repo", "list_issues"}, env.github.invocations())

	invocations := auditEntriesOfKind(t, env.store, taskID, store.AuditSkillInvocation)
	assert.Len(t, invocations, 2, "exactly two skill-invocation audit entries")

	steps := assertGapFreeSteps(t, env.store, taskID)
	var kinds []store.StepKind
	for _, step := range steps {
		kinds = append(kinds, step.Kind)
	}
	assert.Equal(t, []store.StepKind{
		store.StepAnalysis, store.StepRouting, store.StepExecution, store.StepValidation,
	}, kinds)
}

func TestAnalysisExhaustionFailsTask(t *testing.T) {
	env := newTestEnv(t, func(role string, _ int, _ inference.Request) (string, error) {
		if role == "analyzer" {
			return "I am not going to answer in JSON today.", nil
		}
		return "", fmt.Errorf("unexpected role %q", role)
	})
	ctx := context.Background()

	taskID, err := env.engine.Submit(ctx, env.sessionID, "do something")
	require.NoError(t, err)

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, KindAnalysisUnavailable, task.ErrorKind)

	assertGapFreeSteps(t, env.store, taskID)
}

func TestUnrecognizedCategoryRoutesToFallback(t *testing.T) {
	env := newTestEnv(t, func(role string, call int, req inference.Request) (string, error) {
		if role == "analyzer" {
			return analysisJSON("interpretive-dance", "perform something unusual"), nil
		}
		return defaultScript(role, call, req)
	})
	ctx := context.Background()

	taskID, err := env.engine.Submit(ctx, env.sessionID, "perform something unusual")
	require.NoError(t, err)

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status, "detail: %s", task.ErrorDetail)

	steps := assertGapFreeSteps(t, env.store, taskID)
	var routing *store.TaskStep
	for _, step := range steps {
		if step.Kind == store.StepRouting {
			routing = step
		}
	}
	require.NotNil(t, routing, "never left unrouted")
	assert.Contains(t, string(routing.Output), `"department":"research"`)
	assert.Contains(t, string(routing.Output), `"recognized":false`)
}

// rejectingValidator passes analysis and rejects every execution output.
type rejectingValidator struct{}

func (rejectingValidator) Validate(stage validation.Stage, _ string, payload []byte) validation.Result {
	if stage == validation.StageAnalysis {
		return validation.Result{OK: true, Normalized: payload}
	}
	return validation.Result{Violations: []validation.Violation{{Field: "response", Reason: "always rejected"}}}
}

func TestRerouteExhaustion(t *testing.T) {
	env := newTestEnvWithValidator(t, defaultScript, rejectingValidator{})
	ctx := context.Background()

	taskID, err := env.engine.Submit(ctx, env.sessionID, "Summarize the latest commits in repo X")
	require.NoError(t, err)

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, KindValidationExhausted, task.ErrorKind)

	rejections := auditEntriesOfKind(t, env.store, taskID, store.AuditValidationRejection)
	assert.Len(t, rejections, 3, "initial attempt plus MaxReroutes re-routes")

	assertGapFreeSteps(t, env.store, taskID)
}

func TestResumeRequiresAwaitingHuman(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	setup := map[store.TaskStatus]func(id string){
		store.TaskPending:    func(string) {},
		store.TaskAnalyzing:  func(id string) { _ = env.store.UpdateTaskStatus(ctx, id, store.TaskAnalyzing) },
		store.TaskRouted:     func(id string) { _ = env.store.UpdateTaskStatus(ctx, id, store.TaskRouted) },
		store.TaskExecuting:  func(id string) { _ = env.store.UpdateTaskStatus(ctx, id, store.TaskExecuting) },
		store.TaskValidating: func(id string) { _ = env.store.UpdateTaskStatus(ctx, id, store.TaskValidating) },
		store.TaskCompleted:  func(id string) { _ = env.store.CompleteTask(ctx, id, "done") },
		store.TaskFailed:     func(id string) { _ = env.store.FailTask(ctx, id, KindCancelled, "x") },
	}

	for status, prepare := range setup {
		t.Run(string(status), func(t *testing.T) {
			task, err := env.store.CreateTask(ctx, env.sessionID, "request")
			require.NoError(t, err)
			prepare(task.ID)

			_, err = env.engine.Resume(ctx, task.ID, HumanDecision{Approved: true})
			assert.ErrorIs(t, err, ErrInvalidState)

			after, err := env.store.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, status, after.Status, "resume must not alter state")
		})
	}
}

func submitAutomation(t *testing.T, env *testEnv) string {
	t.Helper()
	script := func(role string, call int, req inference.Request) (string, error) {
		if role == "analyzer" {
			return analysisJSON("automation", "run the scratch cleanup command"), nil
		}
		return defaultScript(role, call, req)
	}
	env.engine.inference = newScriptedClient(script)

	taskID, err := env.engine.Submit(context.Background(), env.sessionID, "clean up the scratch directory")
	require.NoError(t, err)

	task, err := env.engine.Status(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskAwaitingHuman, task.Status)
	return taskID
}

func TestHumanRejection(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	taskID := submitAutomation(t, env)

	status, err := env.engine.Resume(ctx, taskID, HumanDecision{Approved: false, DecidedBy: "op"})
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, status)

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, KindHumanRejected, task.ErrorKind)

	assert.Empty(t, env.shell.invocations(), "flagged action is never invoked")
	assert.Empty(t, auditEntriesOfKind(t, env.store, taskID, store.AuditSkillInvocation))
	assert.Len(t, auditEntriesOfKind(t, env.store, taskID, store.AuditHumanDecision), 1)

	assertGapFreeSteps(t, env.store, taskID)
}

func TestHumanApproval(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	taskID := submitAutomation(t, env)

	status, err := env.engine.Resume(ctx, taskID, HumanDecision{Approved: true, DecidedBy: "op"})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, status)

	assert.Equal(t, []string{"run_command"}, env.shell.invocations())
	assert.Len(t, auditEntriesOfKind(t, env.store, taskID, store.AuditSkillInvocation), 1)

	steps := assertGapFreeSteps(t, env.store, taskID)
	var interrupts int
	for _, step := range steps {
		if step.Kind == store.StepHumanInterrupt {
			interrupts++
		}
	}
	assert.Equal(t, 2, interrupts, "one raise, one resolution")
}

func TestSideEffectNotRepeatedOnRetry(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	taskID := submitAutomation(t, env)

	// First approval runs the command.
	_, err := env.engine.Resume(ctx, taskID, HumanDecision{Approved: true})
	require.NoError(t, err)
	require.Equal(t, []string{"run_command"}, env.shell.invocations())

	// A second execution of the same logical action is skipped: the
	// audit log already records it for this task.
	task, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	invoker := &auditedInvoker{taskID: task.ID, skills: env.engine.skills, store: env.store, logger: zap.NewNop()}

	result, err := invoker.Invoke(ctx, "shell", "run_command",
		skills.Params{"command": "rm -rf /tmp/scratch"})
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["already_performed"])
	assert.Equal(t, []string{"run_command"}, env.shell.invocations(), "no duplicate side effect")
}

func TestRecoveryResumesAtInFlightStep(t *testing.T) {
	// Reference run: uninterrupted.
	ref := newTestEnv(t, defaultScript)
	refID, err := ref.engine.Submit(context.Background(), ref.sessionID, "Summarize the latest commits in repo X")
	require.NoError(t, err)
	refTask, err := ref.engine.Status(context.Background(), refID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, refTask.Status)

	// Crashed run: analysis committed, process died before routing.
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()
	task, err := env.store.CreateTask(ctx, env.sessionID, "Summarize the latest commits in repo X")
	require.NoError(t, err)

	st := &taskState{
		Status: store.TaskRouted,
		Steps:  1,
		Analysis: &analysisResult{
			Category: "github",
			Intent:   "summarize the latest commits in repo x",
		},
	}
	state, err := st.encode()
	require.NoError(t, err)
	_, err = env.store.AppendStepWithCheckpoint(ctx,
		&store.TaskStep{TaskID: task.ID, Kind: store.StepAnalysis, Outcome: store.OutcomeSuccess}, state)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateTaskStatus(ctx, task.ID, store.TaskAnalyzing))

	require.NoError(t, env.engine.Recover(ctx))

	recovered, err := env.engine.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, refTask.Status, recovered.Status, "same terminal status as the uninterrupted run")
	assert.Equal(t, refTask.Response, recovered.Response)

	steps := assertGapFreeSteps(t, env.store, task.ID)
	var analysisSteps int
	for _, step := range steps {
		if step.Kind == store.StepAnalysis {
			analysisSteps++
		}
	}
	assert.Equal(t, 1, analysisSteps, "committed steps are never replayed")
}

func TestRecoveryFailsCorruptCheckpoint(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	task, err := env.store.CreateTask(ctx, env.sessionID, "whatever")
	require.NoError(t, err)
	_, err = env.store.AppendStepWithCheckpoint(ctx,
		&store.TaskStep{TaskID: task.ID, Kind: store.StepAnalysis, Outcome: store.OutcomeSuccess},
		[]byte("not a checkpoint"))
	require.NoError(t, err)

	require.NoError(t, env.engine.Recover(ctx))

	after, err := env.engine.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, after.Status)
	assert.Equal(t, KindStateCorruption, after.ErrorKind)
}

func TestRecoveryFailsCheckpointWithoutAnalysisStep(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	task, err := env.store.CreateTask(ctx, env.sessionID, "whatever")
	require.NoError(t, err)

	// Checkpoint claims analysis completed, but the only recorded step is
	// a routing step: the histories diverged.
	st := &taskState{
		Status:   store.TaskRouted,
		Steps:    1,
		Analysis: &analysisResult{Category: "github", Intent: "whatever"},
	}
	state, err := st.encode()
	require.NoError(t, err)
	_, err = env.store.AppendStepWithCheckpoint(ctx,
		&store.TaskStep{TaskID: task.ID, Kind: store.StepRouting, Outcome: store.OutcomeSuccess}, state)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateTaskStatus(ctx, task.ID, store.TaskAnalyzing))

	require.NoError(t, env.engine.Recover(ctx))

	after, err := env.engine.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, after.Status)
	assert.Equal(t, KindStateCorruption, after.ErrorKind)
	assert.Contains(t, after.ErrorDetail, "no analysis step")
}

func TestRecoveryLeavesPausedTasksPaused(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	taskID := submitAutomation(t, env)
	require.NoError(t, env.engine.Recover(ctx))

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAwaitingHuman, task.Status)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, defaultScript)
	ctx := context.Background()

	// Paused task cancels directly.
	taskID := submitAutomation(t, env)
	require.NoError(t, env.engine.Cancel(ctx, taskID))

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, KindCancelled, task.ErrorKind)

	// Terminal tasks reject cancellation.
	err = env.engine.Cancel(ctx, taskID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecutionFailureReroutes(t *testing.T) {
	script := func(role string, call int, req inference.Request) (string, error) {
		if role == "github-lead" {
			// Plans an action against a skill that is not registered.
			if call%2 == 1 {
				return `[{"skill": "browser", "action": "open", "params": {}}]`, nil
			}
			return "summary", nil
		}
		return defaultScript(role, call, req)
	}
	env := newTestEnv(t, script)
	ctx := context.Background()

	taskID, err := env.engine.Submit(ctx, env.sessionID, "Summarize the latest commits in repo X")
	require.NoError(t, err)

	task, err := env.engine.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status, "re-routed to a working department")

	steps := assertGapFreeSteps(t, env.store, taskID)
	var failedExecutions, retries int
	for _, step := range steps {
		if step.Kind == store.StepExecution && step.Outcome == store.OutcomeFailure {
			failedExecutions++
		}
		if step.Kind == store.StepRetry {
			retries++
		}
	}
	assert.Equal(t, 1, failedExecutions)
	assert.Equal(t, 1, retries)
}
