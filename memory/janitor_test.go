package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil/fixtures"
)

func TestJanitor_RunOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := testutil.TestContext(t)
	clock, ids := newStepClock(), &seqIDs{}
	metrics := newRecordingMetrics()

	speaking := seedInsights(t, store, clock, ids, "s1", ModuleSpeaking,
		fixtures.SpeakingInsight("think", "θ", 40),
		fixtures.SpeakingInsight("ship", "ʃ", 60),
	)
	writing := seedInsights(t, store, clock, ids, "s1", ModuleWriting,
		fixtures.WritingInsight("articles", "a apple", 70))

	compressedAt := clock.Now()
	require.NoError(t, store.MarkCompressed(ctx, ModuleSpeaking, []string{speaking[0].ID}, compressedAt))
	require.NoError(t, store.MarkCompressed(ctx, ModuleWriting, []string{writing[0].ID}, compressedAt))

	j := NewJanitor(store, 24*time.Hour, time.Hour, metrics, zaptest.NewLogger(t))
	j.now = func() time.Time { return compressedAt.Add(12 * time.Hour) }
	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "still within retention")

	j.now = func() time.Time { return compressedAt.Add(25 * time.Hour) }
	n, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), metrics.pruned)

	left, err := store.CountInsights(ctx, "s1", ModuleSpeaking, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left, "uncompressed insights are never pruned")
}

// failingPruneStore 某个模块清理失败
type failingPruneStore struct {
	Store
	failOn Module
	calls  []Module
}

func (f *failingPruneStore) PruneCompressed(_ context.Context, m Module, _ time.Time) (int64, error) {
	f.calls = append(f.calls, m)
	if m == f.failOn {
		return 0, errors.New("disk full")
	}
	return 1, nil
}

func TestJanitor_ContinuesAfterModuleFailure(t *testing.T) {
	store := &failingPruneStore{failOn: ModuleListening}
	j := NewJanitor(store, 0, 0, nil, nil)

	n, err := j.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, AllModules, store.calls)
	assert.Equal(t, DefaultCompressedRetention, j.retention)
}
