package memory

import "time"

// Metrics 记忆管线上报的指标, internal/metrics.Collector 实现了该接口
type Metrics interface {
	RecordInsight(module string)
	RecordCompressionTrigger(module, result string)
	RecordCompression(module, outcome string, duration time.Duration)
	RecordSchemaMismatch(module string)
	RecordInsightsPruned(n int64)
	RecordContextTokens(tokens int)
	SetActiveSessions(n int)
	RecordSessionsEvicted(n int)
	RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// 压缩结果标签
const (
	outcomeSuccess  = "success"
	outcomeDegraded = "degraded"
	outcomeNoData   = "no_data"
	outcomeError    = "error"
)

// 触发结果标签
const (
	triggerScheduled = "scheduled"
	triggerInFlight  = "in_flight"
	triggerRejected  = "rejected"
)

type nopMetrics struct{}

func (nopMetrics) RecordInsight(string)                                               {}
func (nopMetrics) RecordCompressionTrigger(string, string)                            {}
func (nopMetrics) RecordCompression(string, string, time.Duration)                    {}
func (nopMetrics) RecordSchemaMismatch(string)                                        {}
func (nopMetrics) RecordInsightsPruned(int64)                                         {}
func (nopMetrics) RecordContextTokens(int)                                            {}
func (nopMetrics) SetActiveSessions(int)                                              {}
func (nopMetrics) RecordSessionsEvicted(int)                                          {}
func (nopMetrics) RecordLLMRequest(string, string, string, time.Duration, int, int) {}
