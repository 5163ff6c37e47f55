// Package tokenizer 提供统一的 Token 计数接口，
// 以 tiktoken 精确计数为主、字符估算器为后备，用于限制注入提示词的记忆上下文长度。
package tokenizer
