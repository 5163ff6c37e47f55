package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/api/handlers"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/config"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/metrics"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *handlers.ErrorInfo {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
}

func TestRequestID_PreservesClientValue(t *testing.T) {
	handler := RequestID()(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "client-42", w.Header().Get("X-Request-ID"))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req-"), "oversized ids are replaced")
}

func TestRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := Chain(panicking, RequestID(), Recovery(zaptest.NewLogger(t)))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), decodeError(t, w).Code)
}

// =============================================================================
// 🔐 认证
// =============================================================================

func TestAPIKeyAuth(t *testing.T) {
	skip := []string{"/health"}

	t.Run("no keys configured", func(t *testing.T) {
		handler := APIKeyAuth(nil, skip, false, zap.NewNop())(okHandler)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	handler := APIKeyAuth([]string{"k1"}, skip, true, zap.NewNop())(okHandler)
	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"header key", "/api/v1/sessions", "k1", http.StatusOK},
		{"query key", "/api/v1/sessions?api_key=k1", "", http.StatusOK},
		{"wrong key", "/api/v1/sessions", "nope", http.StatusUnauthorized},
		{"missing key", "/api/v1/sessions", "", http.StatusUnauthorized},
		{"skip path", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), decodeError(t, w).Code)
			}
		})
	}
}

const testSecret = "test-secret-please-ignore"

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Enabled: true, Secret: testSecret, Issuer: "avataredu"}

	var gotUser string
	var gotRoles []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = types.UserID(r.Context())
		gotRoles, _ = types.Roles(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := JWTAuth(cfg, []string{"/health"}, zaptest.NewLogger(t))(inner)

	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name      string
		path      string
		token     string
		want      int
		wantUser  string
		wantRoles []string
	}{
		{
			name:      "user_id and roles",
			token:     signHS256(t, testSecret, jwt.MapClaims{"user_id": "s1", "roles": []string{"admin"}, "iss": "avataredu", "exp": exp}),
			want:      http.StatusOK,
			wantUser:  "s1",
			wantRoles: []string{"admin"},
		},
		{
			name:     "subject fallback",
			token:    signHS256(t, testSecret, jwt.MapClaims{"sub": "s2", "iss": "avataredu", "exp": exp}),
			want:     http.StatusOK,
			wantUser: "s2",
		},
		{
			name:  "wrong secret",
			token: signHS256(t, "other", jwt.MapClaims{"user_id": "s1", "iss": "avataredu", "exp": exp}),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "wrong issuer",
			token: signHS256(t, testSecret, jwt.MapClaims{"user_id": "s1", "iss": "someone", "exp": exp}),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "expired",
			token: signHS256(t, testSecret, jwt.MapClaims{"user_id": "s1", "iss": "avataredu", "exp": time.Now().Add(-time.Hour).Unix()}),
			want:  http.StatusUnauthorized,
		},
		{
			name: "missing header",
			want: http.StatusUnauthorized,
		},
		{
			name: "skip path",
			path: "/health",
			want: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser, gotRoles = "", nil
			path := tt.path
			if path == "" {
				path = "/api/v1/students/s1/memory"
			}
			r := httptest.NewRequest(http.MethodGet, path, nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.wantUser, gotUser)
			assert.Equal(t, tt.wantRoles, gotRoles)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), decodeError(t, w).Code)
			}
		})
	}
}

func TestJWTAuth_RejectsNoneAlgorithm(t *testing.T) {
	handler := JWTAuth(config.JWTConfig{Secret: testSecret}, nil, zap.NewNop())(okHandler)

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "s1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// 🚦 限流
// =============================================================================

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 0.001, 1, zap.NewNop())(okHandler)

	send := func(remote string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
		r.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1001"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"), "limits are per client IP")
}

func TestRateLimiter_Disabled(t *testing.T) {
	handler := RateLimiter(context.Background(), 0, 0, zap.NewNop())(okHandler)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestStudentRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := StudentRateLimiter(ctx, 0.001, 1, zap.NewNop())(okHandler)

	send := func(student string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/students/x/memory", nil)
		r = r.WithContext(types.WithUserID(r.Context(), student))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, send("s1").Code)
	w := send("s1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(types.ErrRateLimited), decodeError(t, w).Code)
	assert.Equal(t, http.StatusOK, send("s2").Code, "students share one IP but not a bucket")
}

func TestVisitorLimiter_Evict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newVisitorLimiter(ctx, 1, 1)
	l.allow("a")
	l.allow("b")
	l.visitors["a"].lastSeen = time.Now().Add(-time.Hour)

	l.evict(time.Minute)
	assert.NotContains(t, l.visitors, "a")
	assert.Contains(t, l.visitors, "b")
}

// =============================================================================
// 🌍 CORS
// =============================================================================

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://tutor.example.com"})(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "https://tutor.example.com", http.StatusOK, "https://tutor.example.com"},
		{"allowed preflight", http.MethodOptions, "https://tutor.example.com", http.StatusNoContent, "https://tutor.example.com"},
		{"unknown origin", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
		{"unknown preflight", http.MethodOptions, "https://evil.example.com", http.StatusForbidden, ""},
		{"same origin", http.MethodGet, "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/v1/sessions", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

// =============================================================================
// 📊 指标
// =============================================================================

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/sessions", "/api/v1/sessions"},
		{"/api/v1/sessions/8f3c2a/turns", "/api/v1/sessions/:id/turns"},
		{"/api/v1/students/alice/memory", "/api/v1/students/:id/memory"},
		{"/api/v1/students/alice/memory/reading/compress", "/api/v1/students/:id/memory/reading/compress"},
		{"/api/v1/students/", "/api/v1/students/"},
		{"/unknown/path", "/unknown/path"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}

func TestMetricsMiddleware_PassesThrough(t *testing.T) {
	collector := metrics.NewCollector("cmd_middleware_test", zap.NewNop())
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"success":true}`))
	})
	handler := Chain(inner, MetricsMiddleware(collector), OTelTracing())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/students/s1/insights", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := newStatusRecorder(w)

	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusInternalServerError)
	n, err := rec.Write([]byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, http.StatusAccepted, rec.statusCode)
	assert.Equal(t, int64(3), rec.bytesWritten)
	assert.Same(t, w, rec.Unwrap())
	rec.Flush()
	assert.True(t, w.Flushed)
}
