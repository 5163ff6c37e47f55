// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 概述

Open 按驱动名(postgres/mysql/sqlite)选择方言并挂上 zap 日志适配器，
PoolManager 封装底层 sql.DB 的连接池参数、后台健康检查与事务重试。

# 主要能力

  - 连接池调优：MaxIdleConns/MaxOpenConns/ConnMaxLifetime。
  - 健康检查：后台 PingContext 探活，并通过 StatsReporter 上报连接数。
  - 事务管理：WithTransaction 单次执行，RetryTransaction 在死锁、
    序列化失败与 sqlite 锁冲突时指数退避重试。
*/
package database
