// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
包 memory 实现跨模块学习记忆管线。

# 概述

阅读、听力、口语、写作、对话五个练习模块在会话结束时各自写入一条
结构化洞察。管线按学生与模块计数, 每累计 5 条在后台把最近的洞察
压缩为模块摘要, 合并进学生的记忆看板, 并在辅导对话前把看板渲染为
有界的记忆上下文注入系统提示词。

# 核心组件

  - Store / GormStore: 原始洞察 (每模块一张表) 与记忆看板的持久化
  - Counter: GormCounter (upsert) 与 RedisCounter (INCR + Lua)
  - Compressor: 规则聚合 + 一次 LLM 调用, 失败时降级沿用上一版摘要
  - Assembler: 读取看板, 即时合成未压缩模块, 计算跨模块模式
  - Retriever: 渲染记忆上下文, InjectMemory 拼接提示词, AdaptiveFocus 出题重点
  - SessionStore: 带 TTL 的进行中练习会话
  - Broker: 按学生推送压缩事件
  - Janitor: 按保留策略清理已压缩洞察
  - Service: 以上组件的组合入口

# 字段约定

组装器与检索器按字段名读取已存储的摘要 JSON, 所依赖的字段见
ReaderFields / ReaderItemFields。缺字段的模块被跳过并记录
SCHEMA_MISMATCH 警告。
*/
package memory
