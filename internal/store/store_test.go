package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestTask(t *testing.T, s *Store) *Task {
	t.Helper()
	ctx := context.Background()
	session, err := s.CreateSession(ctx, nil)
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, session.ID, "summarize the repo")
	require.NoError(t, err)
	return task
}

func TestOpenCreatesSchemaOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "maestro.db")
	s, err := Open(path, 5*time.Second)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, path, s.Path())
	_, err = s.CreateSession(context.Background(), map[string]string{"origin": "test"})
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, map[string]string{"user": "alice"})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, session.Status)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Metadata["user"])

	require.NoError(t, s.CloseSession(ctx, session.ID))
	got, err = s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, got.Status)

	// Tasks cannot join a closed session.
	_, err = s.CreateTask(ctx, session.ID, "anything")
	assert.ErrorIs(t, err, ErrClosedSession)

	assert.ErrorIs(t, s.CloseSession(ctx, "missing"), ErrNotFound)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateSession(ctx, nil)
		require.NoError(t, err)
	}

	sessions, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	assert.Equal(t, TaskPending, task.Status)

	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, TaskAnalyzing))
	require.NoError(t, s.CompleteTask(ctx, task.ID, "done"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Response)

	// Terminal tasks reject further mutation.
	err = s.UpdateTaskStatus(ctx, task.ID, TaskExecuting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")

	err = s.FailTask(ctx, task.ID, "Cancelled", "late cancel")
	require.Error(t, err)
}

func TestFailTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	require.NoError(t, s.FailTask(ctx, task.ID, "AnalysisUnavailable", "backend down"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, "AnalysisUnavailable", got.ErrorKind)
	assert.Equal(t, "backend down", got.ErrorDetail)
}

func TestAppendStepSequencesAreGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	kinds := []StepKind{StepAnalysis, StepRouting, StepExecution, StepRetry, StepValidation}
	for _, kind := range kinds {
		_, err := s.AppendStep(ctx, &TaskStep{
			TaskID:  task.ID,
			Kind:    kind,
			Outcome: OutcomeSuccess,
			Input:   json.RawMessage(`{"k":"v"}`),
		})
		require.NoError(t, err)
	}

	steps, err := s.ListSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(kinds))
	for i, step := range steps {
		assert.Equal(t, int64(i+1), step.Seq, "sequence must be gap-free")
		assert.Equal(t, kinds[i], step.Kind)
	}

	max, err := s.MaxStepSeq(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(kinds)), max)
}

func TestAppendStepWithCheckpointIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	seq, err := s.AppendStepWithCheckpoint(ctx, &TaskStep{
		TaskID:  task.ID,
		Kind:    StepRouting,
		Outcome: OutcomeSuccess,
	}, []byte(`{"status":"routed"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	cp, err := s.LatestCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, seq, cp.Seq)
	assert.JSONEq(t, `{"status":"routed"}`, string(cp.State))

	// A later checkpoint becomes the authoritative one.
	seq2, err := s.AppendStepWithCheckpoint(ctx, &TaskStep{
		TaskID:  task.ID,
		Kind:    StepExecution,
		Outcome: OutcomeSuccess,
	}, []byte(`{"status":"executing"}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)

	cp, err = s.LatestCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Seq)
}

func TestLatestCheckpointNotFound(t *testing.T) {
	s := newTestStore(t)
	task := createTestTask(t, s)

	_, err := s.LatestCheckpoint(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestStepOfKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	_, err := s.LatestStepOfKind(ctx, task.ID, StepExecution)
	assert.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < 2; i++ {
		_, err := s.AppendStep(ctx, &TaskStep{TaskID: task.ID, Kind: StepExecution, Outcome: OutcomeSuccess})
		require.NoError(t, err)
	}

	step, err := s.LatestStepOfKind(ctx, task.ID, StepExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(2), step.Seq)
}

func TestListUnfinishedTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := createTestTask(t, s)
	require.NoError(t, s.UpdateTaskStatus(ctx, running.ID, TaskExecuting))

	done := createTestTask(t, s)
	require.NoError(t, s.CompleteTask(ctx, done.ID, "ok"))

	unfinished, err := s.ListUnfinishedTasks(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, running.ID, unfinished[0].ID)
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		TaskID:    task.ID,
		Kind:      AuditSkillInvocation,
		ActionKey: "github.get_repo:abc123",
		Payload:   json.RawMessage(`{"owner":"octocat"}`),
	}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		TaskID: task.ID,
		Kind:   AuditHumanDecision,
	}))

	entries, err := s.ListAudit(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditSkillInvocation, entries[0].Kind)

	has, err := s.HasAudit(ctx, task.ID, "github.get_repo:abc123")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasAudit(ctx, task.ID, "shell.run:never")
	require.NoError(t, err)
	assert.False(t, has)
}
