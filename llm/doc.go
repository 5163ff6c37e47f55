// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
包 llm 提供记忆压缩使用的大语言模型接入层。

# 概述

压缩器只需要一次非流式的 Chat Completion: 输入聚合后的学习摘要,
输出 JSON 形式的学习模式与一句话总结。本包把这一调用抽象为 [Provider],
上层不关心具体的模型服务商。

# 核心类型

  - [Provider]：Completion / HealthCheck / Name
  - [ChatRequest] / [ChatResponse]：聊天请求与响应, 支持 json_object 输出格式
  - [Error]：带错误码与 Retryable 标记的调用错误
  - [ResilientProvider]：单次调用超时 + 有界重试的装饰器

# 相关子包

  - llm/providers/openaicompat：OpenAI 兼容协议实现
  - llm/retry：重试与退避策略
  - llm/tokenizer：记忆上下文的 Token 计数 (tiktoken 与估算器)
*/
package llm
