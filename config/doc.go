// Package config 提供 Avatar-EDU 记忆服务的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → AVATAREDU_* 环境变量 的顺序加载并校验，
// Watcher 监听配置文件变化并将可热更新的字段(日志级别、记忆上下文上限)
// 推送给运行中的组件。
package config
