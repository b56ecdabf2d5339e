// Package engine implements the orchestration state machine. A task
// moves pending → analyzing → routed → executing → validating and ends
// completed or failed, possibly pausing in awaiting_human; every
// transition is recorded as a step with an atomic checkpoint, so a
// restarted process resumes each in-flight task at exactly the step
// that was running.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/config"
	"github.com/fyrsmithlabs/maestro/internal/department"
	"github.com/fyrsmithlabs/maestro/internal/inference"
	"github.com/fyrsmithlabs/maestro/internal/logging"
	"github.com/fyrsmithlabs/maestro/internal/skills"
	"github.com/fyrsmithlabs/maestro/internal/store"
	"github.com/fyrsmithlabs/maestro/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/maestro/internal/engine"

// Validator checks payloads at stage boundaries.
type Validator interface {
	Validate(stage validation.Stage, department string, payload []byte) validation.Result
}

// Memory is the engine's view of the memory subsystem. A nil Memory
// disables context assembly and summary writes.
type Memory interface {
	Build(ctx context.Context, sessionID, query string) (string, error)
	Store(ctx context.Context, sessionID, content string) (string, error)
}

// HumanDecision resolves an awaiting_human interrupt.
type HumanDecision struct {
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// Engine drives tasks through the workflow. All exported methods are
// safe for concurrent use; a single task is advanced by at most one
// goroutine at a time.
type Engine struct {
	cfg      config.EngineConfig
	routes   map[string]string
	fallback string

	store       *store.Store
	inference   inference.Client
	retry       inference.Policy
	validator   Validator
	memory      Memory
	departments *department.Registry
	skills      skills.Invoker

	logger *zap.Logger
	tracer trace.Tracer

	tasksTotal   metric.Int64Counter
	taskDuration metric.Float64Histogram

	locks   *keyedMutex
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New assembles the engine. validator and departments are required;
// memory may be nil.
func New(cfg config.EngineConfig, departmentsCfg config.DepartmentsConfig, st *store.Store,
	client inference.Client, retry inference.Policy, validator Validator, mem Memory,
	departments *department.Registry, skillRegistry skills.Invoker, logger *zap.Logger) (*Engine, error) {

	if st == nil || client == nil || validator == nil || departments == nil || skillRegistry == nil {
		return nil, errors.New("engine: missing required dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := departmentsCfg.Fallback
	if _, ok := departments.Get(fallback); !ok {
		return nil, fmt.Errorf("engine: fallback department %q not registered", fallback)
	}

	e := &Engine{
		cfg:         cfg,
		routes:      departmentsCfg.Routes,
		fallback:    fallback,
		store:       st,
		inference:   client,
		retry:       retry,
		validator:   validator,
		memory:      mem,
		departments: departments,
		skills:      skillRegistry,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		locks:       newKeyedMutex(),
		running:     make(map[string]context.CancelFunc),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if e.tasksTotal, err = meter.Int64Counter("maestro.engine.tasks_total",
		metric.WithDescription("Tasks finished by terminal status and error kind"),
		metric.WithUnit("{task}")); err != nil {
		logger.Warn("failed to create task counter", zap.Error(err))
	}
	if e.taskDuration, err = meter.Float64Histogram("maestro.engine.task_duration_seconds",
		metric.WithDescription("Wall-clock task duration"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	return e, nil
}

// categories returns the configured routing categories, sorted for
// stable prompt rendering.
func (e *Engine) categories() []string {
	out := make([]string, 0, len(e.routes))
	for category := range e.routes {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Submit validates and runs a request. It drives the task until it
// reaches a terminal status or pauses for a human, then returns the
// task ID. Malformed requests fail with ErrValidation before any state
// is written.
func (e *Engine) Submit(ctx context.Context, sessionID, request string) (string, error) {
	trimmed := strings.TrimSpace(request)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty request", ErrValidation)
	}
	if max := e.cfg.MaxRequestBytes; max > 0 && len(request) > max {
		return "", fmt.Errorf("%w: request exceeds %d bytes", ErrValidation, max)
	}

	task, err := e.store.CreateTask(ctx, sessionID, trimmed)
	if err != nil {
		return "", err
	}

	ctx = logging.WithTaskID(logging.WithSessionID(ctx, sessionID), task.ID)
	e.runTask(ctx, task.ID, &taskState{Status: store.TaskPending})
	return task.ID, nil
}

// Status returns the task.
func (e *Engine) Status(ctx context.Context, taskID string) (*store.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// Resume applies a human decision to a task in awaiting_human.
// Approval re-enters execution at the interrupt point; rejection fails
// the task with HumanRejected. Concurrent resumes are serialized: the
// loser observes ErrInvalidState.
func (e *Engine) Resume(ctx context.Context, taskID string, decision HumanDecision) (store.TaskStatus, error) {
	unlock := e.locks.Lock(taskID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != store.TaskAwaitingHuman {
		return task.Status, fmt.Errorf("%w: task is %s, not %s",
			ErrInvalidState, task.Status, store.TaskAwaitingHuman)
	}

	st, corrupt, err := e.loadState(ctx, task)
	if corrupt {
		e.failTask(ctx, taskID, KindStateCorruption, err.Error())
		return store.TaskFailed, nil
	}
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(decision)
	if err != nil {
		return "", fmt.Errorf("marshal decision: %w", err)
	}
	if err := e.store.AppendAudit(ctx, &store.AuditEntry{
		TaskID:  taskID,
		Kind:    store.AuditHumanDecision,
		Payload: payload,
	}); err != nil {
		return "", err
	}

	if !decision.Approved {
		if err := e.record(ctx, taskID, store.StepHumanInterrupt,
			store.OutcomeFailure, decision, nil, st); err != nil {
			return "", err
		}
		e.failTask(ctx, taskID, KindHumanRejected, "human rejected the pending action")
		return store.TaskFailed, nil
	}

	st.Approved = true
	st.Status = store.TaskExecuting
	if err := e.record(ctx, taskID, store.StepHumanInterrupt,
		store.OutcomeSuccess, decision, nil, st); err != nil {
		return "", err
	}
	if err := e.transition(ctx, taskID, store.TaskAwaitingHuman, store.TaskExecuting); err != nil {
		return "", err
	}

	locked = false
	unlock()
	e.runTask(ctx, taskID, st)

	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// Cancel stops a task. An in-flight run is interrupted through its
// context; a paused or not-yet-running task is failed directly.
// Terminal tasks reject cancellation with ErrInvalidState.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	cancel, inFlight := e.running[taskID]
	e.mu.Unlock()
	if inFlight {
		cancel()
		return nil
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task is %s", ErrInvalidState, task.Status)
	}
	e.failTask(ctx, taskID, KindCancelled, "cancelled before completion")
	return nil
}

// runTask drives the state machine until the task is terminal or
// paused. All failures are recorded on the task; runTask never returns
// an error to its caller.
func (e *Engine) runTask(ctx context.Context, taskID string, st *taskState) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.run_task")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error("load task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if task.Status.Terminal() {
		return
	}

	// The time budget covers one active run segment; time spent paused
	// in awaiting_human does not count against it.
	runCtx, cancel := context.WithCancel(ctx)
	if timeout := e.cfg.TaskTimeout.Duration(); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	e.mu.Lock()
	e.running[taskID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()
	}()

	start := time.Now()
	for {
		if err := runCtx.Err(); err != nil {
			e.failInterrupted(ctx, taskID, err)
			break
		}
		if e.cfg.MaxSteps > 0 && st.Steps >= e.cfg.MaxSteps {
			e.failTask(ctx, taskID, KindLimitExceeded,
				fmt.Sprintf("exceeded %d steps", e.cfg.MaxSteps))
			break
		}

		var done bool
		switch st.Status {
		case store.TaskPending:
			st.Status = store.TaskAnalyzing
			if err := e.transition(runCtx, taskID, store.TaskPending, store.TaskAnalyzing); err != nil {
				e.failTask(ctx, taskID, KindStateCorruption, err.Error())
				done = true
			}
		case store.TaskAnalyzing:
			done = e.analyzeStage(runCtx, task, st)
		case store.TaskRouted:
			done = e.routeStage(runCtx, task, st)
		case store.TaskExecuting:
			done = e.executeStage(runCtx, task, st)
		case store.TaskValidating:
			done = e.validateStage(runCtx, task, st)
		case store.TaskAwaitingHuman, store.TaskCompleted, store.TaskFailed:
			done = true
		default:
			e.failTask(ctx, taskID, KindStateCorruption,
				fmt.Sprintf("unknown status %q", st.Status))
			done = true
		}
		if done {
			break
		}
	}

	e.observe(ctx, taskID, time.Since(start))
}

// analyzeStage classifies the request. Retry exhaustion fails the task
// with AnalysisUnavailable.
func (e *Engine) analyzeStage(ctx context.Context, task *store.Task, st *taskState) (done bool) {
	result, err := e.analyze(ctx, task.Request)
	if err != nil {
		if interrupted(err) {
			e.failInterrupted(ctx, task.ID, err)
			return true
		}
		_ = e.record(ctx, task.ID, store.StepAnalysis, store.OutcomeFailure,
			map[string]string{"request": task.Request},
			map[string]string{"error": err.Error()}, st)
		e.failTask(ctx, task.ID, KindAnalysisUnavailable, err.Error())
		return true
	}

	st.Analysis = result
	st.Status = store.TaskRouted
	if err := e.record(ctx, task.ID, store.StepAnalysis, store.OutcomeSuccess,
		map[string]string{"request": task.Request}, result, st); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	if err := e.transition(ctx, task.ID, store.TaskAnalyzing, store.TaskRouted); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}

	e.logger.Info("request analyzed",
		append(logging.ContextFields(ctx),
			zap.String("category", result.Category),
			zap.String("complexity", result.Complexity))...)
	return false
}

// routeStage picks the department: configured mapping, then registry
// alternates, then the fallback. Departments already tried this task
// are excluded.
func (e *Engine) routeStage(ctx context.Context, task *store.Task, st *taskState) (done bool) {
	tried := make(map[string]bool, len(st.Tried))
	for _, name := range st.Tried {
		tried[name] = true
	}

	dept, recognized := e.routes[st.Analysis.Category]
	if !recognized {
		dept = e.fallback
	}
	if _, ok := e.departments.Get(dept); !ok || tried[dept] {
		alternates := e.departments.Alternates(st.Analysis.Intent, tried)
		if len(alternates) == 0 {
			e.failTask(ctx, task.ID, KindValidationExhausted,
				"no department left to route to")
			return true
		}
		dept = alternates[0]
	}

	st.Route = dept
	st.Tried = append(st.Tried, dept)
	st.Status = store.TaskExecuting
	if err := e.record(ctx, task.ID, store.StepRouting, store.OutcomeSuccess,
		map[string]string{"category": st.Analysis.Category},
		map[string]any{"department": dept, "recognized": recognized}, st); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	if err := e.transition(ctx, task.ID, store.TaskRouted, store.TaskExecuting); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	return false
}

// executeStage invokes the routed department with the task's intent,
// memory context and the audited skill handle.
func (e *Engine) executeStage(ctx context.Context, task *store.Task, st *taskState) (done bool) {
	crew, ok := e.departments.Get(st.Route)
	if !ok {
		return e.executionFailure(ctx, task, st,
			fmt.Errorf("department %q not registered", st.Route))
	}

	var memCtx string
	if e.memory != nil {
		var err error
		if memCtx, err = e.memory.Build(ctx, task.SessionID, st.Analysis.Intent); err != nil {
			e.logger.Warn("memory context unavailable",
				append(logging.ContextFields(ctx), zap.Error(err))...)
		}
	}

	params := make(map[string]any, len(st.Analysis.Parameters)+1)
	for k, v := range st.Analysis.Parameters {
		params[k] = v
	}
	if len(st.PendingPlan) > 0 {
		params["plan"] = st.PendingPlan
	}

	input := &department.Input{
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Request:    task.Request,
		Intent:     st.Analysis.Intent,
		Parameters: params,
		Memory:     memCtx,
		Approved:   st.Approved,
		Skills: &auditedInvoker{
			taskID:  task.ID,
			skills:  e.skills,
			store:   e.store,
			timeout: e.cfg.SkillTimeout.Duration(),
			logger:  e.logger,
		},
	}

	result, err := crew.Execute(ctx, input)
	if err != nil {
		if interrupted(err) {
			e.failInterrupted(ctx, task.ID, err)
			return true
		}
		return e.executionFailure(ctx, task, st, err)
	}

	if result.NeedsApproval {
		st.PendingPlan = result.Plan
		st.Status = store.TaskAwaitingHuman
		if err := e.record(ctx, task.ID, store.StepHumanInterrupt, store.OutcomeSuccess,
			map[string]string{"department": st.Route},
			map[string]string{"reason": result.ApprovalReason}, st); err != nil {
			e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
			return true
		}
		if err := e.transition(ctx, task.ID, store.TaskExecuting, store.TaskAwaitingHuman); err != nil {
			e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
			return true
		}
		e.logger.Info("task paused for human approval",
			append(logging.ContextFields(ctx), zap.String("reason", result.ApprovalReason))...)
		return true
	}

	payload, err := result.Payload()
	if err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	st.DeptResult = payload
	st.PendingPlan = nil
	st.Status = store.TaskValidating
	if err := e.record(ctx, task.ID, store.StepExecution, store.OutcomeSuccess,
		map[string]string{"department": st.Route}, json.RawMessage(payload), st); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	if err := e.transition(ctx, task.ID, store.TaskExecuting, store.TaskValidating); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	return false
}

// executionFailure records the failed execution and re-routes when the
// budget allows, otherwise fails the task.
func (e *Engine) executionFailure(ctx context.Context, task *store.Task, st *taskState, cause error) (done bool) {
	_ = e.record(ctx, task.ID, store.StepExecution, store.OutcomeFailure,
		map[string]string{"department": st.Route},
		map[string]string{"error": cause.Error()}, st)

	return e.reroute(ctx, task, st, KindSkillInvocation, cause.Error())
}

// validateStage checks the department output. Failures re-route within
// the budget, then fail with ValidationExhausted.
func (e *Engine) validateStage(ctx context.Context, task *store.Task, st *taskState) (done bool) {
	res := e.validator.Validate(validation.StageExecution, st.Route, st.DeptResult)
	if !res.OK {
		violations, _ := json.Marshal(res.Violations)
		_ = e.store.AppendAudit(ctx, &store.AuditEntry{
			TaskID:  task.ID,
			Kind:    store.AuditValidationRejection,
			Payload: violations,
		})
		_ = e.record(ctx, task.ID, store.StepValidation, store.OutcomeFailure,
			map[string]string{"department": st.Route}, res.Violations, st)

		return e.reroute(ctx, task, st, KindValidationExhausted,
			fmt.Sprintf("output of %s rejected: %d violation(s)", st.Route, len(res.Violations)))
	}

	response := e.collate(res.Normalized, st)
	st.Status = store.TaskCompleted
	if err := e.record(ctx, task.ID, store.StepValidation, store.OutcomeSuccess,
		map[string]string{"department": st.Route},
		map[string]string{"response": response}, st); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	if err := e.store.CompleteTask(ctx, task.ID, response); err != nil {
		e.logger.Error("complete task", append(logging.ContextFields(ctx), zap.Error(err))...)
		return true
	}

	if e.memory != nil {
		summary := fmt.Sprintf("Request: %s\nOutcome: %s", task.Request, response)
		if _, err := e.memory.Store(context.WithoutCancel(ctx), task.SessionID, summary); err != nil {
			e.logger.Warn("memory summary write failed",
				append(logging.ContextFields(ctx), zap.Error(err))...)
		}
	}
	e.logger.Info("task completed", logging.ContextFields(ctx)...)
	return true
}

// reroute moves the task back to routed when the re-route budget
// allows; exhaustion fails with the given kind.
func (e *Engine) reroute(ctx context.Context, task *store.Task, st *taskState, exhaustedKind, detail string) (done bool) {
	st.RerouteCount++
	if st.RerouteCount > e.cfg.MaxReroutes {
		e.failTask(ctx, task.ID, exhaustedKind, detail)
		return true
	}

	st.Status = store.TaskRouted
	st.DeptResult = nil
	if err := e.record(ctx, task.ID, store.StepRetry, store.OutcomeSuccess,
		map[string]any{"reroute": st.RerouteCount, "cause": detail}, nil, st); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}
	if err := e.store.UpdateTaskStatus(ctx, task.ID, store.TaskRouted); err != nil {
		e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
		return true
	}

	e.logger.Info("re-routing task",
		append(logging.ContextFields(ctx),
			zap.Int("reroute", st.RerouteCount),
			zap.String("cause", detail))...)
	return false
}

// collate assembles the final response from the validated department
// output plus a short execution summary.
func (e *Engine) collate(normalized []byte, st *taskState) string {
	response := gjson.GetBytes(normalized, "response").String()
	plan := gjson.GetBytes(normalized, "plan")
	if plan.IsArray() {
		if n := len(plan.Array()); n > 0 {
			response += fmt.Sprintf("\n\n(%d action(s) performed by the %s department)", n, st.Route)
		}
	}
	return response
}

// failTask marks a task failed with a taxonomy kind. It uses an
// uncancellable context so a cancelled run can still persist its fate.
func (e *Engine) failTask(ctx context.Context, taskID, kind, detail string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.FailTask(ctx, taskID, kind, detail); err != nil {
		e.logger.Error("fail task",
			zap.String("task_id", taskID),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}
	e.logger.Warn("task failed",
		zap.String("task_id", taskID),
		zap.String("kind", kind),
		zap.String("detail", detail))
}

// failInterrupted maps an interruption to Cancelled or LimitExceeded.
func (e *Engine) failInterrupted(ctx context.Context, taskID string, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		e.failTask(ctx, taskID, KindLimitExceeded,
			fmt.Sprintf("task exceeded its %s time budget", e.cfg.TaskTimeout.Duration()))
		return
	}
	e.failTask(ctx, taskID, KindCancelled, "cancelled while in flight")
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) observe(ctx context.Context, taskID string, elapsed time.Duration) {
	task, err := e.store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(task.Status)),
		attribute.String("error_kind", task.ErrorKind),
	)
	if e.tasksTotal != nil {
		e.tasksTotal.Add(context.WithoutCancel(ctx), 1, attrs)
	}
	if e.taskDuration != nil {
		e.taskDuration.Record(context.WithoutCancel(ctx), elapsed.Seconds(), attrs)
	}
}
