package memory

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/store"
)

// keywordEmbedder produces deterministic embeddings from keyword
// counts so similarity behaves predictably in tests.
type keywordEmbedder struct{}

var keywords = []string{"cats", "dogs", "consensus", "compilers"}

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vec := make([]float32, len(keywords)+1)
		vec[len(keywords)] = 0.1 // keeps zero-keyword texts embeddable
		for j, kw := range keywords {
			vec[j] = float32(strings.Count(lower, kw))
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		norm = math.Sqrt(norm)
		for j := range vec {
			vec[j] = float32(float64(vec[j]) / norm)
		}
		out[i] = vec
	}
	return out, nil
}

func newTestLongTerm(t *testing.T) *LongTerm {
	t.Helper()
	lt, err := NewLongTerm("", keywordEmbedder{}, zap.NewNop())
	require.NoError(t, err)
	return lt
}

func TestLongTermStoreAndQuery(t *testing.T) {
	lt := newTestLongTerm(t)
	ctx := context.Background()

	_, err := lt.Store(ctx, "s1", "User prefers cats over other pets")
	require.NoError(t, err)
	_, err = lt.Store(ctx, "s1", "Discussed raft consensus tradeoffs")
	require.NoError(t, err)
	_, err = lt.Store(ctx, "s1", "User is writing a compilers course")
	require.NoError(t, err)

	hits, err := lt.Query(ctx, "s1", "tell me about cats", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Contains(t, hits[0].Content, "cats")
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestLongTermSessionIsolation(t *testing.T) {
	lt := newTestLongTerm(t)
	ctx := context.Background()

	_, err := lt.Store(ctx, "s1", "consensus notes")
	require.NoError(t, err)

	hits, err := lt.Query(ctx, "s2", "consensus", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLongTermQueryCapsK(t *testing.T) {
	lt := newTestLongTerm(t)
	ctx := context.Background()

	_, err := lt.Store(ctx, "s1", "only one memory about dogs")
	require.NoError(t, err)

	hits, err := lt.Query(ctx, "s1", "dogs", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestLongTermPurge(t *testing.T) {
	lt := newTestLongTerm(t)
	ctx := context.Background()

	_, err := lt.Store(ctx, "s1", "cats everywhere")
	require.NoError(t, err)
	require.NoError(t, lt.Purge(ctx, "s1"))

	hits, err := lt.Query(ctx, "s1", "cats", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Purging an unknown session is a no-op.
	assert.NoError(t, lt.Purge(ctx, "never-seen"))
}

func TestLongTermRejectsEmptyContent(t *testing.T) {
	lt := newTestLongTerm(t)
	_, err := lt.Store(context.Background(), "s1", "")
	assert.Error(t, err)
}

func newTestSession(t *testing.T) (*store.Store, string) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	session, err := st.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	return st, session.ID
}

func completeTask(t *testing.T, st *store.Store, sessionID, request, response string) {
	t.Helper()
	ctx := context.Background()
	task, err := st.CreateTask(ctx, sessionID, request)
	require.NoError(t, err)
	require.NoError(t, st.CompleteTask(ctx, task.ID, response))
}

func TestShortTermWindow(t *testing.T) {
	st, sessionID := newTestSession(t)
	ctx := context.Background()

	completeTask(t, st, sessionID, "first question", "first answer")
	completeTask(t, st, sessionID, "second question", "second answer")
	completeTask(t, st, sessionID, "third question", "third answer")

	// A failed task never enters the window.
	task, err := st.CreateTask(ctx, sessionID, "broken request")
	require.NoError(t, err)
	require.NoError(t, st.FailTask(ctx, task.ID, "ValidationExhausted", "gave up"))

	short := NewShortTerm(st, 2)
	exchanges, err := short.Recent(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, exchanges, 2)

	// Oldest-first order, newest entries kept.
	assert.Equal(t, "second question", exchanges[0].Request)
	assert.Equal(t, "third question", exchanges[1].Request)
}

func TestManagerBuild(t *testing.T) {
	st, sessionID := newTestSession(t)
	ctx := context.Background()

	completeTask(t, st, sessionID, "what do cats eat", "Cats are obligate carnivores.")

	lt := newTestLongTerm(t)
	_, err := lt.Store(ctx, sessionID, "User has two cats named Ada and Grace")
	require.NoError(t, err)

	m := NewManager(NewShortTerm(st, 5), lt, 1024, 3, zap.NewNop())
	block, err := m.Build(ctx, sessionID, "more about my cats")
	require.NoError(t, err)

	assert.Contains(t, block, "Relevant memories:")
	assert.Contains(t, block, "Ada and Grace")
	assert.Contains(t, block, "Recent conversation:")
	assert.Contains(t, block, "obligate carnivores")
}

func TestManagerTrimsOldestShortTermFirst(t *testing.T) {
	st, sessionID := newTestSession(t)
	ctx := context.Background()

	completeTask(t, st, sessionID, "OLD exchange about compilers", strings.Repeat("a", 450))
	completeTask(t, st, sessionID, "NEW exchange about compilers", "short answer")

	lt := newTestLongTerm(t)
	_, err := lt.Store(ctx, sessionID, "User teaches compilers")
	require.NoError(t, err)

	// ~120 tokens: room for the long-term hit and one short exchange.
	m := NewManager(NewShortTerm(st, 5), lt, 120, 3, zap.NewNop())
	block, err := m.Build(ctx, sessionID, "compilers")
	require.NoError(t, err)

	assert.Contains(t, block, "User teaches compilers")
	assert.Contains(t, block, "NEW exchange")
	assert.NotContains(t, block, "OLD exchange")
	assert.LessOrEqual(t, len(block), 120*4)
}

func TestManagerEmptySession(t *testing.T) {
	st, sessionID := newTestSession(t)

	lt := newTestLongTerm(t)
	m := NewManager(NewShortTerm(st, 5), lt, 1024, 3, zap.NewNop())

	block, err := m.Build(context.Background(), sessionID, "anything")
	require.NoError(t, err)
	assert.Empty(t, block)
}
