package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/telemetry"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm/retry"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// =============================================================================
// 🗜️ 压缩器
// =============================================================================

// CompressionResult 一次压缩的结果。降级与无数据都不是错误。
type CompressionResult struct {
	StudentID          string          `json:"student_id"`
	Module             Module          `json:"module"`
	Summary            json.RawMessage `json:"summary"`
	Degraded           bool            `json:"degraded"`
	NoData             bool            `json:"no_data"`
	InsightsCompressed int             `json:"insights_compressed"`
	Reason             string          `json:"reason,omitempty"`
}

// CompressorConfig 压缩器配置
type CompressorConfig struct {
	// 单次读取的最近未压缩洞察数
	Window int
	// 每个频次列表的条目上限
	MaxItems int
	// 单次 LLM 调用超时
	Timeout time.Duration
	// 失败后的重试次数
	Retries int
	// 首次重试前的退避
	RetryBackoff time.Duration

	Model       string
	Temperature float32
	MaxTokens   int
}

// DefaultCompressorConfig 返回默认配置
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		Window:       20,
		MaxItems:     DefaultMaxItems,
		Timeout:      30 * time.Second,
		Retries:      1,
		RetryBackoff: 500 * time.Millisecond,
		Temperature:  0.3,
		MaxTokens:    800,
	}
}

// Compressor 把一批原始洞察压缩为模块摘要
type Compressor struct {
	store     Store
	counter   Counter
	assembler *Assembler
	provider  llm.Provider
	cfg       CompressorConfig
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewCompressor 创建压缩器。provider 为 nil 时只做规则聚合并写模板摘要。
func NewCompressor(store Store, counter Counter, assembler *Assembler, provider llm.Provider, cfg CompressorConfig, metrics Metrics, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	def := DefaultCompressorConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	logger = logger.With(zap.String("component", "memory_compressor"))

	if provider != nil {
		policy := retry.SingleRetryPolicy(cfg.RetryBackoff)
		policy.MaxRetries = cfg.Retries
		provider = llm.NewResilientProvider(provider, llm.ResilientProviderConfig{
			AttemptTimeout: cfg.Timeout,
			RetryPolicy:    policy,
		}, logger)
	}

	return &Compressor{
		store:     store,
		counter:   counter,
		assembler: assembler,
		provider:  provider,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Compress 压缩学生某模块最近的未压缩洞察。
// LLM 失败时返回上一版摘要并置 Degraded, 不写看板, 洞察保持未压缩。
// 只有存储读取失败才返回错误。
func (c *Compressor) Compress(ctx context.Context, studentID string, m Module) (*CompressionResult, error) {
	if !m.Valid() {
		return nil, types.NewInvalidModuleError(string(m))
	}
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "memory.compress", trace.WithAttributes(
		attribute.String("student_id", studentID),
		attribute.String("module", string(m)),
	))
	defer span.End()

	res := &CompressionResult{StudentID: studentID, Module: m}

	insights, err := c.store.ListInsights(ctx, studentID, m, InsightQuery{OnlyUncompressed: true, Limit: c.cfg.Window})
	if err != nil {
		c.fail(span, m, start, err)
		return nil, fmt.Errorf("load %s insights: %w", m, err)
	}
	prior, err := c.priorSummary(ctx, studentID, m)
	if err != nil {
		c.fail(span, m, start, err)
		return nil, err
	}

	if len(insights) == 0 {
		res.Summary = prior
		res.NoData = true
		res.Reason = string(types.ErrNoInsightData)
		c.metrics.RecordCompression(string(m), outcomeNoData, time.Since(start))
		span.SetAttributes(attribute.String("outcome", outcomeNoData))
		return res, nil
	}

	summary, err := Aggregate(m, insights, c.cfg.MaxItems)
	if err != nil {
		c.fail(span, m, start, err)
		return nil, err
	}
	base := summary.Base()

	if c.provider != nil {
		patterns, text, err := c.summarize(ctx, studentID, summary)
		if err != nil {
			c.logger.Warn("compression degraded, keeping previous summary",
				zap.String("student_id", studentID),
				zap.String("module", string(m)),
				zap.Int("insights", len(insights)),
				zap.Error(err))
			res.Summary = prior
			res.Degraded = true
			res.Reason = string(types.ErrCompressionDegraded)
			c.metrics.RecordCompression(string(m), outcomeDegraded, time.Since(start))
			span.SetAttributes(attribute.String("outcome", outcomeDegraded))
			span.RecordError(err)
			return res, nil
		}
		base.Patterns = patterns
		base.Summary = text
	} else {
		base.Summary = TemplateSummary(summary)
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		c.fail(span, m, start, err)
		return nil, fmt.Errorf("encode %s summary: %w", m, err)
	}
	if _, err := c.assembler.UpdateBoard(ctx, studentID, m, raw); err != nil {
		c.fail(span, m, start, err)
		return nil, fmt.Errorf("update memory board: %w", err)
	}

	// 看板已写入, 后续步骤失败只记录日志, 下一次压缩会重新覆盖
	now := c.now()
	ids := make([]string, len(insights))
	for i, in := range insights {
		ids[i] = in.ID
	}
	compressed := 0
	// 窗口之外的旧洞察先于窗口本身标记, MarkSuperseded 依赖窗口末条仍未压缩
	if n, err := c.store.MarkSuperseded(ctx, studentID, m, ids[len(ids)-1], now); err != nil {
		c.logger.Error("failed to mark superseded insights", zap.String("student_id", studentID), zap.String("module", string(m)), zap.Error(err))
	} else {
		compressed += int(n)
	}
	if err := c.store.MarkCompressed(ctx, m, ids, now); err != nil {
		c.logger.Error("failed to mark insights compressed", zap.String("student_id", studentID), zap.String("module", string(m)), zap.Error(err))
	} else {
		compressed += len(ids)
	}
	if c.counter != nil {
		if _, err := c.counter.Consume(ctx, studentID, m, compressed); err != nil {
			c.logger.Error("failed to consume compression counter", zap.String("student_id", studentID), zap.String("module", string(m)), zap.Error(err))
		}
	}

	res.Summary = raw
	res.InsightsCompressed = compressed
	c.metrics.RecordCompression(string(m), outcomeSuccess, time.Since(start))
	span.SetAttributes(attribute.String("outcome", outcomeSuccess), attribute.Int("insights", compressed))
	c.logger.Info("memory compressed",
		zap.String("student_id", studentID),
		zap.String("module", string(m)),
		zap.Int("insights", compressed),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (c *Compressor) fail(span trace.Span, m Module, start time.Time, err error) {
	c.metrics.RecordCompression(string(m), outcomeError, time.Since(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (c *Compressor) priorSummary(ctx context.Context, studentID string, m Module) (json.RawMessage, error) {
	board, err := c.store.GetBoard(ctx, studentID)
	if errors.Is(err, ErrBoardNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load memory board: %w", err)
	}
	raw, _ := board.Summary(m)
	return raw, nil
}

// -----------------------------------------------------------------------------
// LLM 调用
// -----------------------------------------------------------------------------

const compressionSystemPrompt = `You analyze an English learner's practice history for a tutoring system.
Reply with a single JSON object and nothing else, using exactly this shape:
{"patterns":[{"category":"<short snake_case label>","description":"<one sentence>"}],"summary":"<2-3 sentences>"}
Use the category "strength" for things the student does well.
The summary must name the main recurring problems, be specific, and recommend what to practice next.`

// llmSummary LLM 输出结构
type llmSummary struct {
	Patterns []Pattern `json:"patterns"`
	Summary  string    `json:"summary"`
}

func (c *Compressor) summarize(ctx context.Context, studentID string, s Summary) ([]Pattern, string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, "", err
	}
	user := fmt.Sprintf("Module: %s\nSessions analyzed: %d\nAggregated data:\n%s",
		s.Module(), s.Base().TotalSessionsAnalyzed, data)

	req := &llm.ChatRequest{
		UserID: studentID,
		Model:  c.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: compressionSystemPrompt},
			{Role: llm.RoleUser, Content: user},
		},
		MaxTokens:      c.cfg.MaxTokens,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: llm.JSONObjectFormat,
		Metadata:       map[string]string{"module": string(s.Module())},
	}
	if traceID, ok := types.TraceID(ctx); ok {
		req.TraceID = traceID
	}

	start := time.Now()
	resp, err := c.provider.Completion(ctx, req)
	if err != nil {
		c.metrics.RecordLLMRequest(c.provider.Name(), c.cfg.Model, "error", time.Since(start), 0, 0)
		return nil, "", err
	}
	c.metrics.RecordLLMRequest(c.provider.Name(), resp.Model, "success", time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	content, err := llm.FirstContent(resp)
	if err != nil {
		return nil, "", err
	}
	return parseLLMSummary(content)
}

// parseLLMSummary 解析模型输出, 缺少摘要文本视为失败
func parseLLMSummary(content string) ([]Pattern, string, error) {
	var out llmSummary
	if err := json.Unmarshal([]byte(llm.StripCodeFence(content)), &out); err != nil {
		return nil, "", fmt.Errorf("malformed compression output: %w", err)
	}
	text := strings.TrimSpace(out.Summary)
	if text == "" {
		return nil, "", errors.New("compression output has empty summary")
	}
	patterns := make([]Pattern, 0, len(out.Patterns))
	for _, p := range out.Patterns {
		cat := normalizeLabel(p.Category)
		desc := strings.TrimSpace(p.Description)
		if cat == "" && desc == "" {
			continue
		}
		patterns = append(patterns, Pattern{Category: cat, Description: desc})
	}
	return patterns, text, nil
}
