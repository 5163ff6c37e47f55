// =============================================================================
// 📦 测试数据工厂 - 洞察载荷与压缩响应
// =============================================================================
// 以 JSON 文本形式提供, 不依赖 memory 包, 可被任何测试引用
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm"
)

// =============================================================================
// 🎯 洞察载荷
// =============================================================================

// SpeakingInsight 一次口语练习, 一个发音错误
func SpeakingInsight(word, phoneme string, accuracy float64) string {
	return fmt.Sprintf(`{"pronunciation_errors":[{"word":%q,"phoneme":%q,"error_type":"substitution","accuracy":%g}],"fluency_problems":["long pauses"],"practice_level":"intermediate"}`,
		word, phoneme, accuracy)
}

// ReadingInsight 一次阅读练习
func ReadingInsight(words []string, questionTypes []string, completion float64) string {
	vocab := make([]map[string]string, 0, len(words))
	for _, w := range words {
		vocab = append(vocab, map[string]string{"word": w, "context": "found in passage"})
	}
	return mustJSON(map[string]any{
		"vocabulary_mistakes":      vocab,
		"difficult_words":          []string{},
		"question_types_struggled": questionTypes,
		"chatbot_topics_confused":  []string{},
		"reading_speed_issue":      false,
		"completion_rate":          completion,
		"text_topic":               "climate",
	})
}

// ListeningInsight 一次听力练习
func ListeningInsight(questionTypes ...string) string {
	return mustJSON(map[string]any{
		"question_types_struggled": questionTypes,
		"audio_speed_issue":        true,
		"audio_category":           "news",
	})
}

// WritingInsight 一次写作练习, 一个语法错误
func WritingInsight(errorType, original string, score float64) string {
	return mustJSON(map[string]any{
		"grammar_errors":     []map[string]string{{"type": errorType, "original": original, "correction": "fixed"}},
		"style_issues":       []map[string]any{{"issue": "wordiness", "frequency": 1}},
		"vocabulary_issues":  []map[string]any{},
		"content_weaknesses": []map[string]string{{"area": "organization", "detail": "weak thesis"}},
		"overall_score":      score,
		"topic":              "education",
	})
}

// ConversationInsight 一次对话练习
func ConversationInsight(topic string, gaps ...string) string {
	vocab := make([]map[string]string, 0, len(gaps))
	for _, w := range gaps {
		vocab = append(vocab, map[string]string{"word": w})
	}
	return mustJSON(map[string]any{
		"topic":           topic,
		"vocabulary_gaps": vocab,
		"fluency_issues":  []string{"long pauses"},
		"topic_struggles": []string{topic},
		"total_messages":  12,
		"total_words":     150,
	})
}

// =============================================================================
// 🤖 压缩响应
// =============================================================================

// CompressionJSON 压缩器期望的 LLM 输出
func CompressionJSON(summary string, categories ...string) string {
	patterns := make([]map[string]string, 0, len(categories))
	for _, c := range categories {
		patterns = append(patterns, map[string]string{"category": c, "description": "observed " + c})
	}
	return mustJSON(map[string]any{"patterns": patterns, "summary": summary})
}

// ChatResponse 包装为单个 choice 的响应
func ChatResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:       "resp-001",
		Provider: "mock",
		Model:    "gpt-4o-mini",
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage:     llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		CreatedAt: time.Now(),
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
