package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil/fixtures"
)

// summaryJSON 由洞察聚合出摘要, 可指定 LLM 模式
func summaryJSON(t *testing.T, m Module, patterns []Pattern, raws ...string) json.RawMessage {
	t.Helper()
	s, err := Aggregate(m, insightsOf(t, m, raws...), DefaultMaxItems)
	require.NoError(t, err)
	if patterns != nil {
		s.Base().Patterns = patterns
	}
	s.Base().Summary = TemplateSummary(s)
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	return raw
}

func repeat(raw string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = raw
	}
	return out
}

func TestAssembler_ComputeOverallPatterns(t *testing.T) {
	asm := NewAssembler(nil, AssemblerConfig{}, nil, nil)
	board := NewMemoryBoard("s1")
	board.Summaries[ModuleSpeaking] = summaryJSON(t, ModuleSpeaking, nil,
		repeat(fixtures.SpeakingInsight("think", "θ", 40), 4)...)
	board.Summaries[ModuleConversation] = summaryJSON(t, ModuleConversation, nil,
		fixtures.ConversationInsight("travel", "think"),
		fixtures.ConversationInsight("travel", "itinerary"),
	)
	board.Summaries[ModuleListening] = summaryJSON(t, ModuleListening,
		[]Pattern{{Category: "strength", Description: "Follows fast news audio."}},
		fixtures.ListeningInsight("detail"),
	)

	op := asm.ComputeOverallPatterns(board)

	assert.Equal(t, []string{
		"long pauses (speaking, conversation)",
		"think (speaking, conversation)",
	}, op.CrossModuleIssues)
	assert.Equal(t, []string{
		"listening: Follows fast news audio.",
		"listening: no recurring high-priority issues",
		"conversation: no recurring high-priority issues",
	}, op.Strengths)
	assert.Equal(t, []string{
		"speaking: long pauses",
		"speaking: think",
		"speaking: θ",
	}, op.RecommendedFocusAreas)
}

func TestAssembler_ComputeOverallPatterns_Empty(t *testing.T) {
	asm := NewAssembler(nil, AssemblerConfig{}, nil, nil)
	op := asm.ComputeOverallPatterns(NewMemoryBoard("s1"))
	assert.True(t, op.IsEmpty())

	raw, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cross_module_issues":[],"strengths":[],"recommended_focus_areas":[]}`, string(raw))
}

func TestAssembler_SchemaMismatchIsSkippedWithWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	metrics := newRecordingMetrics()
	asm := NewAssembler(nil, AssemblerConfig{}, metrics, zap.New(core))

	board := NewMemoryBoard("s1")
	board.Summaries[ModuleSpeaking] = json.RawMessage(`{"summary":"old shape","patterns":[],"total_sessions_analyzed":3,"mispronounced":[]}`)
	board.Summaries[ModuleWriting] = summaryJSON(t, ModuleWriting, nil, fixtures.WritingInsight("articles", "a apple", 70))

	views := asm.ModuleViews(board)
	require.Len(t, views, 1)
	assert.Equal(t, ModuleWriting, views[0].Module)

	entries := logs.FilterMessage("module summary does not match reader fields, skipping").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "speaking", entries[0].ContextMap()["module"])
	assert.Equal(t, 1, metrics.mismatches["speaking"])
}

func TestAssembler_GetBoard_SynthesizesMissingModules(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := testutil.TestContext(t)
	clock, ids := newStepClock(), &seqIDs{}
	asm := NewAssembler(store, AssemblerConfig{}, nil, nil)

	board, err := asm.GetBoard(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, board.IsEmpty())
	assert.True(t, board.OverallPatterns.IsEmpty())
	assert.NotNil(t, board.OverallPatterns.Strengths)

	compressed := summaryJSON(t, ModuleWriting, nil, fixtures.WritingInsight("articles", "a apple", 70))
	_, err = store.SaveModuleSummary(ctx, "s1", ModuleWriting, compressed, clock.Now(), asm.ComputeOverallPatterns)
	require.NoError(t, err)
	seedInsights(t, store, clock, ids, "s1", ModuleSpeaking, repeat(fixtures.SpeakingInsight("think", "θ", 40), 3)...)
	seedInsights(t, store, clock, ids, "s1", ModuleReading, fixtures.ReadingInsight([]string{"ubiquitous"}, nil, 90))

	board, err = asm.GetBoard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []Module{ModuleReading, ModuleSpeaking}, board.SynthesizedModules)
	assert.True(t, board.IsSynthesized(ModuleSpeaking))
	assert.False(t, board.IsSynthesized(ModuleWriting))
	_, ok := board.Summary(ModuleListening)
	assert.False(t, ok)

	raw, ok := board.Summary(ModuleSpeaking)
	require.True(t, ok)
	doc := decodeMap(t, raw)
	assert.Contains(t, doc["summary"], "Analyzed 3 speaking sessions")
	assert.Len(t, doc["chronic_mispronunciations"], 1)
	assert.Contains(t, board.OverallPatterns.RecommendedFocusAreas, "speaking: long pauses")

	// 合成结果不写回存储
	stored, err := store.GetBoard(ctx, "s1")
	require.NoError(t, err)
	_, ok = stored.Summary(ModuleSpeaking)
	assert.False(t, ok)
}

func TestAssembler_FallbackTopN(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := testutil.TestContext(t)
	clock, ids := newStepClock(), &seqIDs{}
	asm := NewAssembler(store, AssemblerConfig{FallbackTopN: 2}, nil, nil)

	seedInsights(t, store, clock, ids, "s1", ModuleReading,
		fixtures.ReadingInsight([]string{"a", "b", "c", "d"}, nil, 90))

	board, err := asm.GetBoard(ctx, "s1")
	require.NoError(t, err)
	raw, _ := board.Summary(ModuleReading)
	assert.Len(t, decodeMap(t, raw)["vocabulary_gaps"], 2)
}
