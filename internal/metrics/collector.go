// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	// 记忆管线指标
	insightsRecorded    *prometheus.CounterVec
	compressionTriggers *prometheus.CounterVec
	compressionsTotal   *prometheus.CounterVec
	compressionDuration *prometheus.HistogramVec
	schemaMismatches    *prometheus.CounterVec
	insightsPruned      prometheus.Counter
	contextTokens       prometheus.Histogram

	// 会话指标
	sessionsActive  prometheus.Gauge
	sessionsEvicted prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	// LLM 指标
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	// 记忆管线指标
	c.insightsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "insights_recorded_total",
			Help:      "Total number of raw insights recorded",
		},
		[]string{"module"},
	)

	c.compressionTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "compression_triggers_total",
			Help:      "Background compressions scheduled by the session counter",
		},
		[]string{"module", "result"}, // result: scheduled, skipped, rejected
	)

	c.compressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "compressions_total",
			Help:      "Total number of compression runs by outcome",
		},
		[]string{"module", "outcome"}, // outcome: success, degraded, no_data
	)

	c.compressionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "compression_duration_seconds",
			Help:      "Compression run duration in seconds",
			Buckets:   []float64{0.05, 0.25, 1, 2, 5, 10, 30, 60},
		},
		[]string{"module"},
	)

	c.schemaMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "schema_mismatches_total",
			Help:      "Stored summaries missing fields the board assembler reads",
		},
		[]string{"module"},
	)

	c.insightsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "insights_pruned_total",
			Help:      "Compressed insights deleted by the retention janitor",
		},
	)

	c.contextTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "context_tokens",
			Help:      "Token count of memory context blocks injected into prompts",
			Buckets:   []float64{0, 25, 50, 100, 200, 400, 800},
		},
	)

	// 会话指标
	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live practice sessions",
		},
	)

	c.sessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Practice sessions evicted after the idle TTL",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 🧠 记忆管线指标记录
// =============================================================================

// RecordInsight 记录一条原始洞察写入
func (c *Collector) RecordInsight(module string) {
	c.insightsRecorded.WithLabelValues(module).Inc()
}

// RecordCompressionTrigger 记录计数器触发结果
func (c *Collector) RecordCompressionTrigger(module, result string) {
	c.compressionTriggers.WithLabelValues(module, result).Inc()
}

// RecordCompression 记录一次压缩
func (c *Collector) RecordCompression(module, outcome string, duration time.Duration) {
	c.compressionsTotal.WithLabelValues(module, outcome).Inc()
	c.compressionDuration.WithLabelValues(module).Observe(duration.Seconds())
}

// RecordSchemaMismatch 记录摘要字段缺失
func (c *Collector) RecordSchemaMismatch(module string) {
	c.schemaMismatches.WithLabelValues(module).Inc()
}

// RecordInsightsPruned 记录保留策略删除的洞察数
func (c *Collector) RecordInsightsPruned(n int64) {
	c.insightsPruned.Add(float64(n))
}

// RecordContextTokens 记录注入的记忆上下文长度
func (c *Collector) RecordContextTokens(tokens int) {
	c.contextTokens.Observe(float64(tokens))
}

// =============================================================================
// 💬 会话指标记录
// =============================================================================

// SetActiveSessions 设置活跃会话数
func (c *Collector) SetActiveSessions(n int) {
	c.sessionsActive.Set(float64(n))
}

// RecordSessionsEvicted 记录过期淘汰的会话数
func (c *Collector) RecordSessionsEvicted(n int) {
	c.sessionsEvicted.Add(float64(n))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
