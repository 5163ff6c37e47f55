// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、LLM、记忆管线、练习会话与数据库五个维度。

# 概述

Collector 通过 promauto 注册到默认 Registry，所有指标按 namespace
隔离，/metrics 端点由独立的指标服务器暴露。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - LLM 指标：压缩调用的请求数、耗时与 Token 用量，按 provider/model 分组。
  - 记忆管线指标：洞察写入、压缩触发、压缩结果（success/degraded/no_data）、
    摘要字段缺失、保留策略删除数与注入上下文长度。
  - 会话指标：活跃会话数与 TTL 淘汰数。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
