package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// =============================================================================
// 📥 模块载荷
// =============================================================================

// Payload 单次练习会话产出的结构化观察, 每个模块一种记录结构
type Payload interface {
	Module() Module
	validate() error
}

// WordContext 词汇问题及其出现语境
type WordContext struct {
	Word    string `json:"word"`
	Context string `json:"context,omitempty"`
}

// PronunciationError 发音评测中的单词级错误
type PronunciationError struct {
	Word      string  `json:"word,omitempty"`
	Phoneme   string  `json:"phoneme,omitempty"`
	ErrorType string  `json:"error_type,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// GrammarError 语法错误与修正
type GrammarError struct {
	Type       string `json:"type"`
	Original   string `json:"original,omitempty"`
	Correction string `json:"correction,omitempty"`
}

// IssueCount 写作批改中按类型汇总的问题
type IssueCount struct {
	Issue     string `json:"issue"`
	Frequency int    `json:"frequency,omitempty"`
}

// ContentWeakness 写作内容层面的弱项
type ContentWeakness struct {
	Area   string `json:"area"`
	Detail string `json:"detail,omitempty"`
}

// ReadingPayload 阅读模块
type ReadingPayload struct {
	VocabularyMistakes     []WordContext `json:"vocabulary_mistakes,omitempty"`
	DifficultWords         []string      `json:"difficult_words,omitempty"`
	QuestionTypesStruggled []string      `json:"question_types_struggled,omitempty"`
	ChatbotTopicsConfused  []string      `json:"chatbot_topics_confused,omitempty"`
	ReadingSpeedIssue      bool          `json:"reading_speed_issue,omitempty"`
	// 百分比, 未上报时为 nil
	CompletionRate *float64 `json:"completion_rate,omitempty"`
	TextTopic      string   `json:"text_topic,omitempty"`
}

// ListeningPayload 听力模块
type ListeningPayload struct {
	QuestionTypesStruggled []string `json:"question_types_struggled,omitempty"`
	AudioSpeedIssue        bool     `json:"audio_speed_issue,omitempty"`
	AudioCategory          string   `json:"audio_category,omitempty"`
}

// SpeakingPayload 口语模块
type SpeakingPayload struct {
	PronunciationErrors []PronunciationError `json:"pronunciation_errors,omitempty"`
	FluencyProblems     []string             `json:"fluency_problems,omitempty"`
	PracticeLevel       string               `json:"practice_level,omitempty"`
}

// WritingPayload 写作模块
type WritingPayload struct {
	GrammarErrors     []GrammarError    `json:"grammar_errors,omitempty"`
	StyleIssues       []IssueCount      `json:"style_issues,omitempty"`
	VocabularyIssues  []IssueCount      `json:"vocabulary_issues,omitempty"`
	ContentWeaknesses []ContentWeakness `json:"content_weaknesses,omitempty"`
	OverallScore      float64           `json:"overall_score,omitempty"`
	Topic             string            `json:"topic,omitempty"`
}

// ConversationPayload 数字人对话模块
type ConversationPayload struct {
	Topic               string               `json:"topic,omitempty"`
	VocabularyGaps      []WordContext        `json:"vocabulary_gaps,omitempty"`
	GrammarErrors       []GrammarError       `json:"grammar_errors,omitempty"`
	FluencyIssues       []string             `json:"fluency_issues,omitempty"`
	PronunciationErrors []PronunciationError `json:"pronunciation_errors,omitempty"`
	TopicStruggles      []string             `json:"topic_struggles,omitempty"`
	TotalMessages       int                  `json:"total_messages,omitempty"`
	TotalWords          int                  `json:"total_words,omitempty"`
}

func (*ReadingPayload) Module() Module      { return ModuleReading }
func (*ListeningPayload) Module() Module    { return ModuleListening }
func (*SpeakingPayload) Module() Module     { return ModuleSpeaking }
func (*WritingPayload) Module() Module      { return ModuleWriting }
func (*ConversationPayload) Module() Module { return ModuleConversation }

// =============================================================================
// ✅ 校验
// =============================================================================

func (p *ReadingPayload) validate() error {
	for i, v := range p.VocabularyMistakes {
		if strings.TrimSpace(v.Word) == "" {
			return fmt.Errorf("vocabulary_mistakes[%d].word is required", i)
		}
	}
	if p.CompletionRate != nil && (*p.CompletionRate < 0 || *p.CompletionRate > 100) {
		return fmt.Errorf("completion_rate must be within [0, 100]")
	}
	return nil
}

func (p *ListeningPayload) validate() error { return nil }

func (p *SpeakingPayload) validate() error {
	return validatePronunciation(p.PronunciationErrors)
}

func (p *WritingPayload) validate() error {
	if err := validateGrammar(p.GrammarErrors); err != nil {
		return err
	}
	for i, s := range p.StyleIssues {
		if strings.TrimSpace(s.Issue) == "" || s.Frequency < 0 {
			return fmt.Errorf("style_issues[%d] is invalid", i)
		}
	}
	for i, s := range p.VocabularyIssues {
		if strings.TrimSpace(s.Issue) == "" || s.Frequency < 0 {
			return fmt.Errorf("vocabulary_issues[%d] is invalid", i)
		}
	}
	for i, c := range p.ContentWeaknesses {
		if strings.TrimSpace(c.Area) == "" {
			return fmt.Errorf("content_weaknesses[%d].area is required", i)
		}
	}
	if p.OverallScore < 0 || p.OverallScore > 100 {
		return fmt.Errorf("overall_score must be within [0, 100]")
	}
	return nil
}

func (p *ConversationPayload) validate() error {
	for i, v := range p.VocabularyGaps {
		if strings.TrimSpace(v.Word) == "" {
			return fmt.Errorf("vocabulary_gaps[%d].word is required", i)
		}
	}
	if err := validateGrammar(p.GrammarErrors); err != nil {
		return err
	}
	if p.TotalMessages < 0 || p.TotalWords < 0 {
		return fmt.Errorf("total_messages and total_words must be non-negative")
	}
	return validatePronunciation(p.PronunciationErrors)
}

func validatePronunciation(errs []PronunciationError) error {
	for i, e := range errs {
		if strings.TrimSpace(e.Word) == "" && strings.TrimSpace(e.Phoneme) == "" {
			return fmt.Errorf("pronunciation_errors[%d] needs a word or a phoneme", i)
		}
		if e.Accuracy < 0 || e.Accuracy > 100 {
			return fmt.Errorf("pronunciation_errors[%d].accuracy must be within [0, 100]", i)
		}
	}
	return nil
}

func validateGrammar(errs []GrammarError) error {
	for i, e := range errs {
		if strings.TrimSpace(e.Type) == "" {
			return fmt.Errorf("grammar_errors[%d].type is required", i)
		}
	}
	return nil
}

// =============================================================================
// 🔄 编解码
// =============================================================================

// NewPayload 返回模块对应的空载荷
func NewPayload(m Module) (Payload, error) {
	switch m {
	case ModuleReading:
		return &ReadingPayload{}, nil
	case ModuleListening:
		return &ListeningPayload{}, nil
	case ModuleSpeaking:
		return &SpeakingPayload{}, nil
	case ModuleWriting:
		return &WritingPayload{}, nil
	case ModuleConversation:
		return &ConversationPayload{}, nil
	default:
		return nil, types.NewInvalidModuleError(string(m))
	}
}

// DecodePayload 严格解码: 未知字段、多余内容与非对象输入都返回 INVALID_PAYLOAD
func DecodePayload(m Module, data []byte) (Payload, error) {
	p, err := NewPayload(m)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, types.NewInvalidPayloadError(string(m), errors.New("payload must be a JSON object"))
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, types.NewInvalidPayloadError(string(m), err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, types.NewInvalidPayloadError(string(m), errors.New("unexpected data after payload object"))
	}
	if err := p.validate(); err != nil {
		return nil, types.NewInvalidPayloadError(string(m), err)
	}
	return p, nil
}

// EncodePayload 序列化载荷用于持久化
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	return json.Marshal(p)
}
