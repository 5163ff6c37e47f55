package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority 条目优先级: 出现 3 次及以上为 high
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
)

// highPriorityThreshold 达到该频次即为 high
const highPriorityThreshold = 3

func priorityFor(frequency int) Priority {
	if frequency >= highPriorityThreshold {
		return PriorityHigh
	}
	return PriorityMedium
}

// Pattern LLM 归纳出的模式
type Pattern struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

// PatternCategoryStrength 表示学生表现好的方面
const PatternCategoryStrength = "strength"

// SummaryBase 所有模块摘要共有的字段
type SummaryBase struct {
	Patterns              []Pattern `json:"patterns"`
	Summary               string    `json:"summary"`
	TotalSessionsAnalyzed int       `json:"total_sessions_analyzed"`
}

// =============================================================================
// 📊 频次条目
// =============================================================================

type WordFrequency struct {
	Word      string   `json:"word"`
	Frequency int      `json:"frequency"`
	Priority  Priority `json:"priority"`
}

type SkillFrequency struct {
	Skill     string   `json:"skill"`
	Frequency int      `json:"frequency"`
	Priority  Priority `json:"priority"`
}

type TopicFrequency struct {
	Topic     string   `json:"topic"`
	Frequency int      `json:"frequency"`
	Priority  Priority `json:"priority"`
}

type IssueFrequency struct {
	Issue     string   `json:"issue"`
	Frequency int      `json:"frequency"`
	Priority  Priority `json:"priority"`
}

type AreaFrequency struct {
	Area      string   `json:"area"`
	Frequency int      `json:"frequency"`
	Priority  Priority `json:"priority"`
}

type PronunciationFrequency struct {
	Word        string   `json:"word"`
	Frequency   int      `json:"frequency"`
	AvgAccuracy float64  `json:"avg_accuracy"`
	Priority    Priority `json:"priority"`
}

type PhonemeFrequency struct {
	Phoneme     string   `json:"phoneme"`
	Frequency   int      `json:"frequency"`
	AvgAccuracy float64  `json:"avg_accuracy"`
	Priority    Priority `json:"priority"`
}

type GrammarFrequency struct {
	ErrorType string   `json:"error_type"`
	Frequency int      `json:"frequency"`
	Examples  []string `json:"examples"`
	Priority  Priority `json:"priority"`
}

// =============================================================================
// 🧾 模块摘要
// =============================================================================
// 摘要中不含时间戳, 相同输入产生逐字节相同的输出。
// 压缩时间记录在 MemoryBoard.LastCompressedAt。

// Summary 模块摘要
type Summary interface {
	Module() Module
	Base() *SummaryBase
}

type ReadingSummary struct {
	SummaryBase
	VocabularyGaps          []WordFrequency  `json:"vocabulary_gaps"`
	ComprehensionWeaknesses []SkillFrequency `json:"comprehension_weaknesses"`
	ConfusedTopics          []TopicFrequency `json:"confused_topics"`
	ReadingSpeedIssue       bool             `json:"reading_speed_issue"`
	CompletionIssue         bool             `json:"completion_issue"`
}

type ListeningSummary struct {
	SummaryBase
	ComprehensionWeaknesses []SkillFrequency `json:"comprehension_weaknesses"`
	AudioSpeedIssue         bool             `json:"audio_speed_issue"`
}

type SpeakingSummary struct {
	SummaryBase
	ChronicMispronunciations []PronunciationFrequency `json:"chronic_mispronunciations"`
	ProblemPhonemes          []PhonemeFrequency       `json:"problem_phonemes"`
	FluencyPatterns          []IssueFrequency         `json:"fluency_patterns"`
}

type WritingSummary struct {
	SummaryBase
	ChronicGrammarErrors []GrammarFrequency `json:"chronic_grammar_errors"`
	RecurringStyleIssues []IssueFrequency   `json:"recurring_style_issues"`
	VocabularyWeaknesses []IssueFrequency   `json:"vocabulary_weaknesses"`
	ContentPatterns      []AreaFrequency    `json:"content_patterns"`
	AverageScore         float64            `json:"average_score"`
}

type ConversationSummary struct {
	SummaryBase
	ChronicGrammarErrors     []GrammarFrequency       `json:"chronic_grammar_errors"`
	VocabularyGaps           []WordFrequency          `json:"vocabulary_gaps"`
	FluencyPatterns          []IssueFrequency         `json:"fluency_patterns"`
	TopicStruggles           []TopicFrequency         `json:"topic_struggles"`
	ChronicMispronunciations []PronunciationFrequency `json:"chronic_mispronunciations"`
	ProblemPhonemes          []PhonemeFrequency       `json:"problem_phonemes"`
	AvgWordsPerSession       float64                  `json:"avg_words_per_session"`
}

func (*ReadingSummary) Module() Module      { return ModuleReading }
func (*ListeningSummary) Module() Module    { return ModuleListening }
func (*SpeakingSummary) Module() Module     { return ModuleSpeaking }
func (*WritingSummary) Module() Module      { return ModuleWriting }
func (*ConversationSummary) Module() Module { return ModuleConversation }

func (s *ReadingSummary) Base() *SummaryBase      { return &s.SummaryBase }
func (s *ListeningSummary) Base() *SummaryBase    { return &s.SummaryBase }
func (s *SpeakingSummary) Base() *SummaryBase     { return &s.SummaryBase }
func (s *WritingSummary) Base() *SummaryBase      { return &s.SummaryBase }
func (s *ConversationSummary) Base() *SummaryBase { return &s.SummaryBase }

// NewSummary 返回模块对应的空摘要
func NewSummary(m Module) (Summary, error) {
	switch m {
	case ModuleReading:
		return &ReadingSummary{}, nil
	case ModuleListening:
		return &ListeningSummary{}, nil
	case ModuleSpeaking:
		return &SpeakingSummary{}, nil
	case ModuleWriting:
		return &WritingSummary{}, nil
	case ModuleConversation:
		return &ConversationSummary{}, nil
	default:
		return nil, fmt.Errorf("unknown module %q", m)
	}
}

// DecodeSummary 将存储的摘要解码为模块的类型化结构
func DecodeSummary(m Module, raw json.RawMessage) (Summary, error) {
	s, err := NewSummary(m)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode %s summary: %w", m, err)
	}
	return s, nil
}

// =============================================================================
// 🗂️ 记忆看板
// =============================================================================

// OverallPatterns 跨模块模式, 只有这一节可以引用多个模块
type OverallPatterns struct {
	CrossModuleIssues     []string `json:"cross_module_issues"`
	Strengths             []string `json:"strengths"`
	RecommendedFocusAreas []string `json:"recommended_focus_areas"`
}

// IsEmpty reports whether no pattern was found.
func (p OverallPatterns) IsEmpty() bool {
	return len(p.CrossModuleIssues) == 0 && len(p.Strengths) == 0 && len(p.RecommendedFocusAreas) == 0
}

// MemoryBoard 每个学生一份, 聚合五个模块摘要与跨模块模式
type MemoryBoard struct {
	StudentID        string                     `json:"student_id"`
	Summaries        map[Module]json.RawMessage `json:"summaries"`
	LastCompressedAt map[Module]time.Time       `json:"last_compressed_at,omitempty"`
	OverallPatterns  OverallPatterns            `json:"overall_patterns"`
	// 尚未压缩、由原始洞察即时合成的模块
	SynthesizedModules []Module  `json:"synthesized_modules,omitempty"`
	CreatedAt          time.Time `json:"created_at,omitempty"`
	UpdatedAt          time.Time `json:"updated_at,omitempty"`
}

// NewMemoryBoard 返回空看板
func NewMemoryBoard(studentID string) *MemoryBoard {
	return &MemoryBoard{
		StudentID:        studentID,
		Summaries:        make(map[Module]json.RawMessage),
		LastCompressedAt: make(map[Module]time.Time),
	}
}

// Summary 返回模块摘要原文
func (b *MemoryBoard) Summary(m Module) (json.RawMessage, bool) {
	if b == nil {
		return nil, false
	}
	raw, ok := b.Summaries[m]
	return raw, ok && len(raw) > 0
}

// IsEmpty reports whether the board holds no module summary.
func (b *MemoryBoard) IsEmpty() bool {
	return b == nil || len(b.Summaries) == 0
}

// IsSynthesized reports whether m was derived from raw insights on read.
func (b *MemoryBoard) IsSynthesized(m Module) bool {
	for _, s := range b.SynthesizedModules {
		if s == m {
			return true
		}
	}
	return false
}
