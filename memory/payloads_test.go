package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil/fixtures"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

func TestParseModule(t *testing.T) {
	for _, m := range AllModules {
		got, err := ParseModule(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	got, err := ParseModule("  Speaking ")
	require.NoError(t, err)
	assert.Equal(t, ModuleSpeaking, got)

	_, err = ParseModule("grammar")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidModule))
	assert.Equal(t, "writing_memory_insights", ModuleWriting.InsightTable())
}

func TestDecodePayload_Variants(t *testing.T) {
	tests := []struct {
		module Module
		raw    string
	}{
		{ModuleReading, fixtures.ReadingInsight([]string{"ubiquitous"}, []string{"inference"}, 70)},
		{ModuleListening, fixtures.ListeningInsight("main_idea")},
		{ModuleSpeaking, fixtures.SpeakingInsight("think", "θ", 42)},
		{ModuleWriting, fixtures.WritingInsight("subject_verb_agreement", "he go", 71)},
		{ModuleConversation, fixtures.ConversationInsight("travel", "itinerary")},
	}
	for _, tt := range tests {
		t.Run(string(tt.module), func(t *testing.T) {
			p, err := DecodePayload(tt.module, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.module, p.Module())

			encoded, err := EncodePayload(p)
			require.NoError(t, err)
			again, err := DecodePayload(tt.module, encoded)
			require.NoError(t, err)
			reencoded, err := EncodePayload(again)
			require.NoError(t, err)
			assert.JSONEq(t, string(encoded), string(reencoded))
		})
	}
}

func TestDecodePayload_Strict(t *testing.T) {
	tests := []struct {
		name   string
		module Module
		raw    string
		code   types.ErrorCode
	}{
		{"unknown field", ModuleSpeaking, `{"pronunciation_errors":[],"mood":"happy"}`, types.ErrInvalidPayload},
		{"field of another module", ModuleListening, `{"pronunciation_errors":[]}`, types.ErrInvalidPayload},
		{"array instead of object", ModuleReading, `[]`, types.ErrInvalidPayload},
		{"empty input", ModuleReading, ``, types.ErrInvalidPayload},
		{"trailing data", ModuleListening, `{"audio_speed_issue":true} {}`, types.ErrInvalidPayload},
		{"wrong type", ModuleWriting, `{"overall_score":"high"}`, types.ErrInvalidPayload},
		{"accuracy out of range", ModuleSpeaking, `{"pronunciation_errors":[{"word":"think","accuracy":140}]}`, types.ErrInvalidPayload},
		{"missing grammar type", ModuleWriting, `{"grammar_errors":[{"original":"he go"}]}`, types.ErrInvalidPayload},
		{"completion above 100", ModuleReading, `{"completion_rate":120}`, types.ErrInvalidPayload},
		{"unknown module", Module("grammar"), `{}`, types.ErrInvalidModule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.module, []byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
}

func TestInsight_UnmarshalJSON(t *testing.T) {
	raw := `{"id":"a","student_id":"s1","module":"speaking","payload":` + fixtures.SpeakingInsight("think", "θ", 40) + `,"compressed":false,"created_at":"2026-03-01T09:00:00Z"}`
	var in Insight
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	sp, ok := in.Payload.(*SpeakingPayload)
	require.True(t, ok)
	assert.Equal(t, "think", sp.PronunciationErrors[0].Word)

	bad := `{"id":"a","module":"listening","payload":{"pronunciation_errors":[]}}`
	assert.Error(t, json.Unmarshal([]byte(bad), &in))
}
