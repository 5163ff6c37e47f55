package tokenizer

import (
	"unicode"
	"unicode/utf8"
)

// EstimatorTokenizer 基于字符数估算 token, 区分 CJK 与拉丁字符.
// 估算值偏保守, 用于 tiktoken 编码表不可用时的上限判断.
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer creates a generic estimator.
func NewEstimatorTokenizer() *EstimatorTokenizer { return &EstimatorTokenizer{} }

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjkCount++
		}
	}

	// CJK ~1.5 chars/token, others ~4 chars/token; round up.
	estimated := (cjkCount*2+2)/3 + (totalChars-cjkCount+3)/4
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}
