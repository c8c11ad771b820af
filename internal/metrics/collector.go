package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 工作流指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  prometheus.Gauge

	// 节点指标
	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec
	retriesTotal        *prometheus.CounterVec

	// 熔断器指标
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// 死信指标
	deadLettersTotal *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 工作流指标
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of terminal workflow runs",
		},
		[]string{"workflow_id", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"workflow_id"},
	)

	c.runsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_runs_active",
			Help:      "Number of workflow runs currently executing",
		},
	)

	// 节点指标
	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of terminal node executions",
		},
		[]string{"node_type", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds including retries",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"node_type"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of scheduled node retries",
		},
		[]string{"node_type", "category"},
	)

	// 熔断器指标
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per node type (0=closed, 1=open, 2=half-open)",
		},
		[]string{"node_type"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"node_type", "from", "to"},
	)

	// 死信指标
	c.deadLettersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of dead letter entries created",
		},
		[]string{"workflow_id", "category"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 engine.Observer 实现
// =============================================================================

// RunStarted 记录运行开始
func (c *Collector) RunStarted(workflowID string) {
	c.runsActive.Inc()
}

// RunCompleted 记录运行终态
func (c *Collector) RunCompleted(workflowID string, status types.RunStatus, duration time.Duration) {
	c.runsActive.Dec()
	c.runsTotal.WithLabelValues(workflowID, string(status)).Inc()
	c.runDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// NodeCompleted 记录节点终态
func (c *Collector) NodeCompleted(nodeType string, status types.NodeRunStatus, duration time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(nodeType, string(status)).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RetryScheduled 记录重试调度
func (c *Collector) RetryScheduled(nodeType string, category types.ErrorCategory, delay time.Duration) {
	c.retriesTotal.WithLabelValues(nodeType, string(category)).Inc()
}

// =============================================================================
// ⚡ engine.BreakerStateHandler 实现
// =============================================================================

// OnBreakerStateChange 记录熔断器状态变化
func (c *Collector) OnBreakerStateChange(snap engine.BreakerSnapshot, oldState engine.CircuitState, reason string) {
	c.breakerState.WithLabelValues(snap.NodeType).Set(float64(snap.State))
	c.breakerTransitions.WithLabelValues(snap.NodeType, oldState.String(), snap.State.String()).Inc()

	c.logger.Info("circuit breaker transition",
		zap.String("node_type", snap.NodeType),
		zap.String("from", oldState.String()),
		zap.String("to", snap.State.String()),
		zap.String("reason", reason),
	)
}

// =============================================================================
// ☠️ 死信指标记录
// =============================================================================

// RecordDeadLetter 记录新建死信条目
func (c *Collector) RecordDeadLetter(workflowID string, category types.ErrorCategory) {
	c.deadLettersTotal.WithLabelValues(workflowID, string(category)).Inc()
}

// =============================================================================
// 🌐 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusClass 将 HTTP 状态码归类为字符串
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
