// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
Package main 提供 Avatar-EDU 记忆服务的程序入口。

# 概述

cmd/avataredu 组装数据库、Redis、LLM Provider 与记忆管线,
对外提供学习记忆 HTTP API、WebSocket 压缩事件、健康检查与 Prometheus 指标。

# 子命令

  - serve：启动服务, --config 指定的 YAML 文件变更时热更新日志级别与记忆参数
  - migrate：数据库迁移 (up/down/reset/steps/goto/force/version/status/info)
  - version：打印构建注入的 Version、BuildTime、GitCommit
  - health：请求 /ready 并按结果设置退出码

# 中间件链

Recovery → RequestID → SecurityHeaders → OTelTracing → Metrics → RequestLogger →
CORS → RateLimiter (按 IP) → APIKeyAuth → JWTAuth (可选) → StudentRateLimiter (可选)

JWTAuth 把 user_id (缺失时取 sub) 与 roles 写入 context, handlers 据此校验学生归属。

# 优雅关闭

收到信号后依次关闭 HTTP、Metrics 服务器, 停止后台任务, 等待进行中的压缩,
最后关闭 Redis 与数据库连接池。
*/
package main
