/*
包 migration 提供数据库 Schema 迁移管理能力，基于 golang-migrate
实现，支持 PostgreSQL 与 MySQL 两种生产数据库。

# 概述

本包通过 embed.FS 内嵌各数据库方言的 SQL 迁移文件，结合
golang-migrate 引擎实现版本化的 Schema 变更管理。支持正向迁移、
回滚、跳转到指定版本以及强制设置版本号等操作。

sqlite 与 memory 驱动是嵌入式开发模式，schema 由 GORM AutoMigrate
维护，不走版本化迁移；对应 ParseDatabaseType 返回 ErrUnmanagedDriver。

# 核心类型

  - Migrator：封装 golang-migrate 实例与数据库连接，提供
    Up/Down/DownAll/Goto/Force/Version/Status/Info/Close 操作集。
  - Config：迁移配置，包含数据库类型、连接 URL、迁移表名与锁超时。
  - DatabaseType：数据库类型枚举（postgres/mysql）。
  - Status / Info：单条迁移状态与整体摘要。
  - CLI：geoflow migrate 子命令入口，分发 up/down/down-all/goto/
    force/version/status。

# 工厂函数

NewMigratorFromConfig / NewMigratorFromDatabaseConfig 从应用配置
创建迁移器；BuildDatabaseURL 按方言拼接连接串。
*/
package migration
