// Package api 定义 GeoFlow HTTP API 的请求与响应类型。
//
// 处理器实现位于 api/handlers 子包，路由注册在 cmd/geoflow。
package api
