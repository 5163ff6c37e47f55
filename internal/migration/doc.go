// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
包 migration 管理学习记忆库的 Schema 版本，支持 PostgreSQL、MySQL 与
SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 内嵌，包含五张模块洞察表
(reading_memory_insights 等)、memory_boards 与 compression_counters。
SQLite 连接使用纯 Go 的 modernc 驱动，因此迁移命令无需 CGO。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - Config：数据库类型、连接串、版本表名、锁超时与日志。
  - CLI：终端输出封装，Run 按子命令分发。

# 工厂函数

NewMigratorFromConfig / NewMigratorFromDatabaseConfig /
NewMigratorFromURL 从不同配置源创建迁移器。
*/
package migration
