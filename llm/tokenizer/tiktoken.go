package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 按 OpenAI 系列模型的编码精确计数.
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// 模型前缀到 tiktoken 编码的映射, 按前缀长度降序匹配.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{prefix: "gpt-4o", encoding: "o200k_base"},
	{prefix: "gpt-4.1", encoding: "o200k_base"},
	{prefix: "o1", encoding: "o200k_base"},
	{prefix: "o3", encoding: "o200k_base"},
	{prefix: "gpt-4", encoding: "cl100k_base"},
	{prefix: "gpt-3.5", encoding: "cl100k_base"},
}

// EncodingForModel 返回模型使用的编码名称, 未知模型默认 cl100k_base.
func EncodingForModel(model string) string {
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			return m.encoding
		}
	}
	return "cl100k_base"
}

// NewTiktokenTokenizer 为给定模型创建分词器. 编码表在首次使用时加载.
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	return &TiktokenTokenizer{model: model, encoding: EncodingForModel(model)}
}

// init lazily 初始化 tiktoken 编码(可能在第一次使用时下载数据).
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
