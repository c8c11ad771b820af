// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
//
// Collector 同时实现 engine.Observer 与 engine.BreakerStateHandler，
// 由 cmd 在装配时注入引擎。
package metrics
