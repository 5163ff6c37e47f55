// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Avatar-EDU 学习记忆 HTTP API 的请求处理器。

# 核心类型

  - MemoryHandler：洞察写入与查询、记忆看板、手动压缩、记忆上下文、出题重点、WebSocket 压缩事件
  - SessionHandler：练习会话的开始、追加对话、查询与结束（可附带一条洞察）
  - HealthHandler：/health、/healthz、/ready、/readyz、/version 探针
  - Response：统一 JSON 信封（success + data + error + timestamp + request_id）

# 鉴权

JWT 中间件把 user_id 与 roles 写入 context。路径上的学生 ID 必须与 user_id 一致,
否则返回 403; 携带 admin 角色的调用方不受限制。认证关闭时不做校验。

# 错误映射

types.ErrorCode 按 INVALID_* → 400、FORBIDDEN → 403、*_NOT_FOUND → 404、
RATE_LIMITED → 429 映射, 其余服务端错误映射到 5xx。
*/
package handlers
