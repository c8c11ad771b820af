/*
Package main 提供 GeoFlow 服务端程序入口。

# 概述

cmd/geoflow 是 GeoFlow 工作流引擎的可执行入口，提供管理 API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及 OpenTelemetry 追踪。

# 核心类型

  - Server      主服务器，装配引擎、存储、死信服务并管理 HTTP、Metrics 双端口
  - Middleware  HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 存储后端：memory（开发）、sqlite（GORM 自动建表）、postgres/mysql（migrate 管理）
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、RateLimiter（基于 IP）、JWTAuth（HS256）
  - 启动加载：workflows.dir 目录下的 YAML 定义校验后发布入库
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 冲刷遥测 → 断开存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
