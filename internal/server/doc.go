// Package server provides internal HTTP server lifecycle management.
// This package is internal and should not be imported by external projects.
//
// Manager 封装 net/http.Server，统一管理监听、服务、优雅关闭与
// 错误传播流程。API 端口与 Metrics 端口在 cmd/geoflow 中各持有
// 一个 Manager，内置 SIGINT/SIGTERM 信号处理。
package server
