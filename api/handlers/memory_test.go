package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm/tokenizer"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/memory"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil/fixtures"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// =============================================================================
// 🧪 测试环境
// =============================================================================

type apiEnv struct {
	svc *memory.Service
	mux *http.ServeMux
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	require.NoError(t, memory.AutoMigrate(db))
	logger := zaptest.NewLogger(t)

	cfg := memory.DefaultConfig()
	cfg.Workers = 2
	svc := memory.NewService(
		memory.NewGormStore(db, logger),
		memory.NewGormCounter(db, logger),
		cfg,
		memory.WithLogger(logger),
		memory.WithTokenizer(tokenizer.NewEstimatorTokenizer()),
	)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	mux := http.NewServeMux()
	NewMemoryHandler(svc, logger).Register(mux)
	NewSessionHandler(svc, logger).Register(mux)
	return &apiEnv{svc: svc, mux: mux}
}

// do 发送请求, ctx 可附带认证信息
func (e *apiEnv) do(t *testing.T, ctx context.Context, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	var r *http.Request
	if reader != nil {
		r = httptest.NewRequest(method, path, reader)
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if ctx != nil {
		r = r.WithContext(ctx)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func insightBody(module, payload string) string {
	return `{"module":"` + module + `","payload":` + payload + `}`
}

// decodeData 把 Response.Data 重新解到具体类型
func decodeData[T any](t *testing.T, resp Response) T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// =============================================================================
// 🧪 洞察写入
// =============================================================================

func TestMemoryHandler_RecordInsight(t *testing.T) {
	env := newAPIEnv(t)
	ctx := types.WithRequestID(context.Background(), "req-1")

	w, resp := env.do(t, ctx, http.MethodPost, "/api/v1/students/s1/insights",
		insightBody("speaking", fixtures.SpeakingInsight("think", "θ", 45)))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.RequestID)
	in := decodeData[memory.Insight](t, resp)
	assert.Equal(t, "s1", in.StudentID)
	assert.Equal(t, memory.ModuleSpeaking, in.Module)
	assert.False(t, in.Compressed)
}

func TestMemoryHandler_RecordInsight_Rejected(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"unknown module", insightBody("grammar", `{}`), string(types.ErrInvalidModule)},
		{"payload of another module", insightBody("listening", fixtures.SpeakingInsight("x", "y", 10)), string(types.ErrInvalidPayload)},
		{"unknown envelope field", `{"module":"reading","payload":{},"extra":1}`, string(types.ErrInvalidRequest)},
		{"not json", `{"module":`, string(types.ErrInvalidRequest)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, nil, http.MethodPost, "/api/v1/students/s1/insights", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Nil(t, resp.Data)
		})
	}

	_, resp := env.do(t, nil, http.MethodGet, "/api/v1/students/s1/insights?module=listening", "")
	assert.Empty(t, decodeData[[]memory.Insight](t, resp), "rejected payloads leave no trace")
}

func TestMemoryHandler_ListInsights(t *testing.T) {
	env := newAPIEnv(t)
	for _, word := range []string{"one", "two", "three"} {
		w, _ := env.do(t, nil, http.MethodPost, "/api/v1/students/s1/insights",
			insightBody("writing", fixtures.WritingInsight("tense", word, 70)))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, resp := env.do(t, nil, http.MethodGet, "/api/v1/students/s1/insights?module=writing&limit=2", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]memory.Insight](t, resp), 2)

	w, resp = env.do(t, nil, http.MethodGet, "/api/v1/students/s1/insights?module=writing&limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)

	w, resp = env.do(t, nil, http.MethodGet, "/api/v1/students/s1/insights", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrInvalidModule), resp.Error.Code)

	w, resp = env.do(t, nil, http.MethodGet, "/api/v1/students/nobody/insights?module=writing", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeData[[]memory.Insight](t, resp))
}

// =============================================================================
// 🧪 记忆看板
// =============================================================================

func TestMemoryHandler_BoardAndModule(t *testing.T) {
	env := newAPIEnv(t)

	w, resp := env.do(t, nil, http.MethodGet, "/api/v1/students/new-student/memory", "")
	assert.Equal(t, http.StatusOK, w.Code)
	board := decodeData[map[string]any](t, resp)
	assert.Equal(t, "new-student", board["student_id"])

	env.do(t, nil, http.MethodPost, "/api/v1/students/s1/insights",
		insightBody("reading", fixtures.ReadingInsight([]string{"ubiquitous"}, []string{"inference"}, 0.8)))

	w, resp = env.do(t, nil, http.MethodGet, "/api/v1/students/s1/memory/reading", "")
	assert.Equal(t, http.StatusOK, w.Code)
	mm := decodeData[memory.ModuleMemory](t, resp)
	assert.Equal(t, memory.ModuleReading, mm.Module)
	assert.Equal(t, int64(1), mm.PendingInsights)
	assert.Equal(t, memory.DefaultCompressionThreshold-1, mm.SessionsUntilCompression)
	assert.True(t, mm.Synthesized)

	w, resp = env.do(t, nil, http.MethodGet, "/api/v1/students/s1/memory/vocabulary", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrInvalidModule), resp.Error.Code)
}

func TestMemoryHandler_Compress(t *testing.T) {
	env := newAPIEnv(t)

	w, resp := env.do(t, nil, http.MethodPost, "/api/v1/students/s1/memory/listening/compress", "")
	assert.Equal(t, http.StatusOK, w.Code)
	res := decodeData[memory.CompressionResult](t, resp)
	assert.True(t, res.NoData, "no insights is a neutral result")

	env.do(t, nil, http.MethodPost, "/api/v1/students/s1/insights",
		insightBody("listening", fixtures.ListeningInsight("detail")))
	w, resp = env.do(t, nil, http.MethodPost, "/api/v1/students/s1/memory/listening/compress", "")
	assert.Equal(t, http.StatusOK, w.Code)
	res = decodeData[memory.CompressionResult](t, resp)
	assert.False(t, res.NoData)
	assert.Equal(t, 1, res.InsightsCompressed)
	assert.NotEmpty(t, res.Summary)
}

func TestMemoryHandler_ContextAndFocus(t *testing.T) {
	env := newAPIEnv(t)

	_, resp := env.do(t, nil, http.MethodGet, "/api/v1/students/s1/memory/context", "")
	got := decodeData[MemoryContextResponse](t, resp)
	assert.Equal(t, "s1", got.StudentID)
	assert.False(t, got.HasMemory)
	assert.Empty(t, got.Context)

	_, resp = env.do(t, nil, http.MethodGet, "/api/v1/students/s1/memory/focus", "")
	focus := decodeData[memory.QuestionFocus](t, resp)
	assert.Equal(t, memory.DifficultyIntermediate, focus.DifficultyLevel)
	assert.NotEmpty(t, focus.QuestionTypesPriority)

	env.do(t, nil, http.MethodPost, "/api/v1/students/s1/insights",
		insightBody("reading", fixtures.ReadingInsight([]string{"ephemeral"}, []string{"inference"}, 0.5)))
	env.do(t, nil, http.MethodPost, "/api/v1/students/s1/memory/reading/compress", "")

	_, resp = env.do(t, nil, http.MethodGet, "/api/v1/students/s1/memory/context", "")
	got = decodeData[MemoryContextResponse](t, resp)
	assert.True(t, got.HasMemory)
	assert.Contains(t, got.Context, "reading")
}

// =============================================================================
// 🧪 鉴权
// =============================================================================

func TestMemoryHandler_StudentAuthorization(t *testing.T) {
	env := newAPIEnv(t)
	other := types.WithUserID(context.Background(), "s2")
	owner := types.WithUserID(context.Background(), "s1")
	admin := types.WithRoles(types.WithUserID(context.Background(), "ops"), []string{RoleAdmin})

	w, resp := env.do(t, other, http.MethodGet, "/api/v1/students/s1/memory", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(types.ErrForbidden), resp.Error.Code)

	w, _ = env.do(t, other, http.MethodPost, "/api/v1/students/s1/insights",
		insightBody("listening", fixtures.ListeningInsight("detail")))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = env.do(t, owner, http.MethodGet, "/api/v1/students/s1/memory", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, admin, http.MethodGet, "/api/v1/students/s1/memory", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// 🧪 WebSocket 事件
// =============================================================================

func TestMemoryHandler_Events(t *testing.T) {
	env := newAPIEnv(t)
	server := httptest.NewServer(env.mux)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/students/s1/memory/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// 订阅在握手后注册, 等它生效再写入
	testutil.AssertEventuallyTrue(t, func() bool { return env.svc.Subscribers("s1") == 1 }, 2*time.Second)

	for i := 0; i < memory.DefaultCompressionThreshold; i++ {
		resp, err := http.Post(server.URL+"/api/v1/students/s1/insights", "application/json",
			bytes.NewBufferString(insightBody("listening", fixtures.ListeningInsight("detail"))))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	var ev memory.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "s1", ev.StudentID)
	assert.Equal(t, memory.ModuleListening, ev.Module)
	assert.Equal(t, memory.DefaultCompressionThreshold, ev.InsightsCompressed)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestMemoryHandler_Events_Forbidden(t *testing.T) {
	env := newAPIEnv(t)
	w, resp := env.do(t, types.WithUserID(context.Background(), "s2"),
		http.MethodGet, "/api/v1/students/s1/memory/events", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, resp.Success)
}
