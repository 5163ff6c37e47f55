// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
Package types 提供 Avatar-EDU 服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 memory、llm、api 等上层
模块提供统一的错误体系与 Context 传播工具。

# 核心类型

  - Error / ErrorCode：结构化错误，含 HTTP 状态码与 Retryable 标记
  - 记忆管线错误码：INVALID_MODULE / INVALID_PAYLOAD / NO_INSIGHT_DATA /
    COMPRESSION_DEGRADED / SCHEMA_MISMATCH / SESSION_NOT_FOUND

# 主要能力

  - Context 传播：WithTraceID / WithUserID / WithRoles / WithRequestID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
