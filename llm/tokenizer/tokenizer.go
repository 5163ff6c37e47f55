package tokenizer

import (
	"sync"

	"go.uber.org/zap"
)

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Name 返回分词器的名称.
	Name() string
}

// FallbackTokenizer 优先使用 primary 计数, primary 出错时回退到 fallback.
// 首次失败会记录一次警告, 之后静默回退.
type FallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
	logger   *zap.Logger
	warnOnce sync.Once
}

// NewFallbackTokenizer 组合两个分词器.
func NewFallbackTokenizer(primary, fallback Tokenizer, logger *zap.Logger) *FallbackTokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackTokenizer{primary: primary, fallback: fallback, logger: logger}
}

// ForModel 返回模型对应的 tiktoken 分词器, 编码不可用时回退到字符估算器.
func ForModel(model string, logger *zap.Logger) Tokenizer {
	return NewFallbackTokenizer(NewTiktokenTokenizer(model), NewEstimatorTokenizer(), logger)
}

func (f *FallbackTokenizer) CountTokens(text string) (int, error) {
	n, err := f.primary.CountTokens(text)
	if err == nil {
		return n, nil
	}
	f.warnOnce.Do(func() {
		f.logger.Warn("tokenizer unavailable, using estimator",
			zap.String("tokenizer", f.primary.Name()),
			zap.Error(err),
		)
	})
	return f.fallback.CountTokens(text)
}

func (f *FallbackTokenizer) Name() string {
	return f.primary.Name() + "|" + f.fallback.Name()
}
