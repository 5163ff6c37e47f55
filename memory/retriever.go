package memory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/pool"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm/tokenizer"
)

// =============================================================================
// 🔍 记忆检索与提示词注入
// =============================================================================

const (
	DefaultContextItemsPerModule = 3
	DefaultContextMaxTokens      = 400

	// MemoryContextHeader 注入系统提示词时的固定标题
	MemoryContextHeader = "## Student learning memory (from previous sessions)"
)

// BoardSource 提供学生看板
type BoardSource interface {
	GetBoard(ctx context.Context, studentID string) (*MemoryBoard, error)
}

// Retriever 把看板渲染为有界的记忆上下文
type Retriever struct {
	boards    BoardSource
	assembler *Assembler
	tokenizer tokenizer.Tokenizer
	metrics   Metrics
	logger    *zap.Logger

	itemsPerModule atomic.Int64
	maxTokens      atomic.Int64
}

// NewRetriever 创建检索器
func NewRetriever(boards BoardSource, assembler *Assembler, tok tokenizer.Tokenizer, metrics Metrics, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if tok == nil {
		tok = tokenizer.NewEstimatorTokenizer()
	}
	r := &Retriever{
		boards:    boards,
		assembler: assembler,
		tokenizer: tok,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "memory_retriever")),
	}
	r.UpdateLimits(DefaultContextItemsPerModule, DefaultContextMaxTokens)
	return r
}

// UpdateLimits 热更新上下文上限, 非正值保持原值
func (r *Retriever) UpdateLimits(itemsPerModule, maxTokens int) {
	if itemsPerModule > 0 {
		r.itemsPerModule.Store(int64(itemsPerModule))
	}
	if maxTokens > 0 {
		r.maxTokens.Store(int64(maxTokens))
	}
}

// Limits 返回当前上限
func (r *Retriever) Limits() (itemsPerModule, maxTokens int) {
	return int(r.itemsPerModule.Load()), int(r.maxTokens.Load())
}

// BuildMemoryContext 渲染学生的记忆上下文。没有记忆或读取失败时返回空串。
func (r *Retriever) BuildMemoryContext(ctx context.Context, studentID string) string {
	board, err := r.boards.GetBoard(ctx, studentID)
	if err != nil {
		r.logger.Warn("memory context unavailable", zap.String("student_id", studentID), zap.Error(err))
		return ""
	}
	if board.IsEmpty() {
		return ""
	}
	return r.render(board)
}

// render 逐行追加, 超出 token 上限的行整体丢弃
func (r *Retriever) render(board *MemoryBoard) string {
	items, maxTokens := r.Limits()
	lines := r.lines(board, items)
	if len(lines) == 0 {
		return ""
	}

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	tokens := 0
	for _, line := range lines {
		n, err := r.tokenizer.CountTokens(line + "\n")
		if err != nil {
			n = len([]rune(line))/4 + 1
		}
		if tokens+n > maxTokens {
			break
		}
		tokens += n
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	out := strings.TrimRight(buf.String(), "\n")
	if out != "" {
		r.metrics.RecordContextTokens(tokens)
	}
	return out
}

func (r *Retriever) lines(board *MemoryBoard, items int) []string {
	var lines []string
	if focus := capStrings(board.OverallPatterns.RecommendedFocusAreas, items); len(focus) > 0 {
		lines = append(lines, "Focus areas: "+strings.Join(focus, "; "))
	}
	if cross := capStrings(board.OverallPatterns.CrossModuleIssues, items); len(cross) > 0 {
		lines = append(lines, "Across modules: "+strings.Join(cross, "; "))
	}
	for _, v := range r.assembler.ModuleViews(board) {
		if !v.HasContent() {
			continue
		}
		if s := strings.TrimSpace(v.Summary); s != "" {
			lines = append(lines, fmt.Sprintf("- [%s] %s", v.Module, oneLine(s)))
		}
		for _, ch := range v.Channels {
			if len(ch.Items) == 0 {
				continue
			}
			labels := make([]string, 0, items)
			for i, it := range ch.Items {
				if i == items {
					break
				}
				labels = append(labels, it.Label)
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s: %s", v.Module, ch.Title, strings.Join(labels, ", ")))
		}
	}
	return lines
}

func capStrings(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// InjectMemory 把记忆上下文拼接到系统提示词后, 上下文为空时原样返回
func InjectMemory(systemPrompt, memoryContext string) string {
	memoryContext = strings.TrimSpace(memoryContext)
	if memoryContext == "" {
		return systemPrompt
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return MemoryContextHeader + "\n" + memoryContext
	}
	return strings.TrimRight(systemPrompt, "\n") + "\n\n" + MemoryContextHeader + "\n" + memoryContext
}

// BuildTutorMessages 组装辅导对话消息: 注入记忆的系统提示词加历史消息
func (r *Retriever) BuildTutorMessages(ctx context.Context, studentID, systemPrompt string, history []llm.Message) []llm.Message {
	prompt := InjectMemory(systemPrompt, r.BuildMemoryContext(ctx, studentID))
	msgs := make([]llm.Message, 0, len(history)+1)
	if prompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// =============================================================================
// 🎯 自适应出题
// =============================================================================

// 难度等级
const (
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

const maxChallengeWords = 5

// QuestionFocus 阅读出题的重点提示
type QuestionFocus struct {
	FocusTopics           []string `json:"focus_topics"`
	ChallengeWords        []string `json:"challenge_words"`
	QuestionTypesPriority []string `json:"question_types_priority"`
	DifficultyLevel       string   `json:"difficulty_level"`
	MemorySummary         string   `json:"memory_summary,omitempty"`
}

func defaultQuestionFocus() *QuestionFocus {
	return &QuestionFocus{
		FocusTopics:           []string{},
		ChallengeWords:        []string{},
		QuestionTypesPriority: []string{"inference", "main_idea", "detail", "vocabulary"},
		DifficultyLevel:       DifficultyIntermediate,
	}
}

// AdaptiveFocus 根据阅读摘要给出出题重点, 没有阅读记忆时返回默认值
func (r *Retriever) AdaptiveFocus(ctx context.Context, studentID string) *QuestionFocus {
	board, err := r.boards.GetBoard(ctx, studentID)
	if err != nil {
		r.logger.Warn("adaptive focus falls back to defaults", zap.String("student_id", studentID), zap.Error(err))
		return defaultQuestionFocus()
	}
	raw, ok := board.Summary(ModuleReading)
	if !ok {
		return defaultQuestionFocus()
	}
	view, err := ReadModuleView(ModuleReading, raw)
	if err != nil {
		r.logger.Warn("reading summary unreadable for adaptive focus", zap.String("student_id", studentID), zap.Error(err))
		return defaultQuestionFocus()
	}

	focus := &QuestionFocus{
		FocusTopics:           []string{},
		ChallengeWords:        []string{},
		QuestionTypesPriority: []string{},
		MemorySummary:         view.Summary,
	}
	vocabGaps := 0
	for _, ch := range view.Channels {
		switch ch.Field {
		case "vocabulary_gaps":
			vocabGaps = len(ch.Items)
			for _, it := range ch.Items {
				if len(focus.ChallengeWords) == maxChallengeWords {
					break
				}
				focus.ChallengeWords = append(focus.ChallengeWords, it.Label)
			}
		case "comprehension_weaknesses":
			for _, it := range ch.Items {
				if it.Priority == PriorityHigh {
					focus.QuestionTypesPriority = append(focus.QuestionTypesPriority, it.Label)
				}
			}
		case "confused_topics":
			for _, it := range capItems(ch.Items, DefaultContextItemsPerModule) {
				focus.FocusTopics = append(focus.FocusTopics, it.Label)
			}
		}
	}
	if len(focus.QuestionTypesPriority) == 0 {
		focus.QuestionTypesPriority = []string{"inference", "main_idea", "detail"}
	}
	focus.DifficultyLevel = DifficultyIntermediate
	if vocabGaps < 3 {
		focus.DifficultyLevel = DifficultyAdvanced
	}
	return focus
}

func capItems(items []Item, n int) []Item {
	if len(items) > n {
		return items[:n]
	}
	return items
}
