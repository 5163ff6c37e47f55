// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理能力。

# 概述

Manager 封装 go-redis 客户端，负责连接初始化、后台健康检查与优雅关闭，
支持可选 TLS。记忆看板的读缓存与 Redis 版会话计数器共用该连接池。

# 主要能力

  - 键值读写：字符串与 JSON 两种模式，统一键前缀。
  - 原子计数：通过 Client 暴露底层客户端执行 INCR 与 Lua 脚本。
  - 错误语义：ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
