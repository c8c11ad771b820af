// Package handlers 实现 GeoFlow 管理 API 的 HTTP 处理器：
// 工作流定义管理、运行查询与取消、死信队列分诊、熔断器观测。
package handlers
