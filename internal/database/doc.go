// Package database provides internal database connection management.
// This package is internal and should not be imported by external projects.
//
// 支持 postgres、mysql、sqlite 三种驱动，按 config.DatabaseConfig 构建
// 连接并统一配置连接池与健康检查。
package database
