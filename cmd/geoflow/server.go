package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/geoflow/api/handlers"
	"github.com/BaSui01/geoflow/config"
	"github.com/BaSui01/geoflow/deadletter"
	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/internal/cache"
	"github.com/BaSui01/geoflow/internal/database"
	"github.com/BaSui01/geoflow/internal/metrics"
	"github.com/BaSui01/geoflow/internal/server"
	"github.com/BaSui01/geoflow/internal/telemetry"
	"github.com/BaSui01/geoflow/internal/tlsutil"
	"github.com/BaSui01/geoflow/nodes"
	"github.com/BaSui01/geoflow/store"
	"github.com/BaSui01/geoflow/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// definitionRepo 工作流定义仓储（由 *store.WorkflowRepo 或 *store.MemoryStore 实现）
type definitionRepo interface {
	SaveDefinition(ctx context.Context, def *types.WorkflowDefinition) error
	GetDefinition(ctx context.Context, workflowID string, version int) (*types.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error)
}

// runRepo 运行历史仓储（由 *store.RunRepo 或 *store.MemoryStore 实现）
type runRepo interface {
	SaveRun(ctx context.Context, run *types.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*types.WorkflowRun, error)
}

// Server 是 GeoFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 存储后端
	dbManager *database.Manager
	redis     *cache.Manager
	defs      definitionRepo
	runs      runRepo
	dlRepo    deadletter.Repository

	// 核心组件
	registry  *engine.Registry
	breakers  *engine.BreakerRegistry
	engine    *engine.Engine
	dlService *deadletter.Service

	// 指标与遥测
	metricsCollector *metrics.Collector
	otelProviders    *telemetry.Providers

	// 健康检查 handler（数据库/Redis 探针挂在这里）
	healthHandler *handlers.HealthHandler

	// 后台 goroutine 生命周期
	backgroundCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("geoflow", nil, s.logger)

	// 2. 初始化遥测
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("Failed to initialize telemetry", zap.Error(err))
	}
	s.otelProviders = providers

	ctx, cancel := context.WithCancel(context.Background())
	s.backgroundCancel = cancel

	// 3. 初始化存储后端
	if err := s.initStores(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to init stores: %w", err)
	}

	// 4. 初始化引擎与死信服务
	if err := s.initEngine(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 5. 加载启动工作流定义目录
	if s.cfg.Workflows.Dir != "" {
		if err := loadWorkflowDir(ctx, s.cfg.Workflows.Dir, s.defs, s.registry, s.logger); err != nil {
			cancel()
			return fmt.Errorf("failed to load workflow definitions: %w", err)
		}
	}

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		cancel()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("database_driver", s.cfg.Database.Driver),
		zap.Bool("redis_enabled", s.cfg.Redis.Enabled),
	)

	return nil
}

// =============================================================================
// 💾 存储初始化
// =============================================================================

// initStores 根据配置选择存储后端并建立连接
func (s *Server) initStores(ctx context.Context) error {
	switch s.cfg.Database.Driver {
	case "", "memory":
		// 内存后端，进程退出即丢失，仅用于开发和测试
		mem := store.NewMemoryStore()
		s.defs = mem
		s.runs = mem
		s.dlRepo = mem
		s.logger.Info("Using in-memory store")

	case "sqlite":
		mgr, err := database.Connect(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		s.dbManager = mgr
		gs := store.New(mgr.DB(), s.logger)
		// sqlite 由 GORM 直接建表，不走 migrate 命令
		if err := gs.AutoMigrate(); err != nil {
			return fmt.Errorf("auto-migrate failed: %w", err)
		}
		s.defs = gs.Workflows()
		s.runs = gs.Runs()
		s.dlRepo = gs.DeadLetters()

	case "postgres", "mysql":
		mgr, err := database.Connect(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		s.dbManager = mgr
		gs := store.New(mgr.DB(), s.logger)
		// 生产库的表结构由 `geoflow migrate up` 管理
		s.defs = gs.Workflows()
		s.runs = gs.Runs()
		s.dlRepo = gs.DeadLetters()
		s.logger.Info("Using SQL store, run 'geoflow migrate up' if the schema is outdated",
			zap.String("driver", s.cfg.Database.Driver))

	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Database.Driver)
	}

	// 数据库连接池指标上报
	if s.dbManager != nil {
		s.dbManager.StartHealthCheck(ctx, 30*time.Second, func(open, idle int) {
			s.metricsCollector.RecordDBConnections(s.cfg.Database.Driver, open, idle)
		})
	}

	// Redis 连接（熔断器状态镜像）
	if s.cfg.Redis.Enabled {
		rc, err := cache.NewManager(s.cfg.Redis, s.logger)
		if err != nil {
			return err
		}
		s.redis = rc
		rc.StartHealthCheck(ctx, 30*time.Second)
	}

	return nil
}

// =============================================================================
// ⚙️ 引擎初始化
// =============================================================================

// breakerStateFanout 把熔断器状态变更分发给多个 handler。
// engine.NewBreakerRegistry 只接受一个 handler，指标收集器和
// Redis 镜像都需要收到通知时用它聚合。
type breakerStateFanout struct {
	handlers []engine.BreakerStateHandler
}

func (f *breakerStateFanout) OnBreakerStateChange(snap engine.BreakerSnapshot, old engine.CircuitState, reason string) {
	for _, h := range f.handlers {
		h.OnBreakerStateChange(snap, old, reason)
	}
}

// meteredDeadLetterSink 在死信入队路径上记录指标。
// svc 字段在引擎和死信服务都构造完成后再赋值，打破两者的构造环；
// 赋值发生在 HTTP 服务器启动之前，引擎此时不可能产生失败运行。
type meteredDeadLetterSink struct {
	svc       *deadletter.Service
	collector *metrics.Collector
}

func (s *meteredDeadLetterSink) EnqueueFailure(ctx context.Context, run *types.WorkflowRun, failedNodeID string, werr *types.WorkflowError) error {
	if s.collector != nil && werr != nil {
		s.collector.RecordDeadLetter(run.WorkflowID, werr.Category)
	}
	if s.svc == nil {
		return nil
	}
	return s.svc.EnqueueFailure(ctx, run, failedNodeID, werr)
}

// initEngine 构建节点注册表、熔断器、引擎和死信服务
func (s *Server) initEngine(ctx context.Context) error {
	engCfg := engineConfigFrom(s.cfg.Engine)

	// 节点注册表，内置节点共享一个加固过的 HTTP 客户端
	s.registry = engine.NewRegistry(s.logger)
	deps := nodes.Deps{
		HTTPClient: nodeHTTPClient(),
		Logger:     s.logger,
	}
	if s.dbManager != nil {
		deps.DB = s.dbManager.DB()
	}
	nodes.RegisterDefaults(s.registry, deps)

	// 熔断器状态变更：指标永远记录，Redis 镜像按配置挂载
	fanout := &breakerStateFanout{handlers: []engine.BreakerStateHandler{s.metricsCollector}}
	if s.redis != nil {
		mirror := store.NewRedisBreakerStore(s.redis.Client(), s.cfg.Redis.KeyPrefix, s.cfg.Redis.BreakerTTL, s.logger)
		fanout.handlers = append(fanout.handlers, mirror)
		s.logPersistedBreakerState(ctx, mirror)
	}
	s.breakers = engine.NewBreakerRegistry(engCfg.Breaker, fanout, s.logger)

	// 死信 sink 先建，svc 字段在服务构造后回填
	sink := &meteredDeadLetterSink{collector: s.metricsCollector}

	eng, err := engine.New(engCfg, engine.Options{
		Registry:    s.registry,
		Breakers:    s.breakers,
		RunStore:    s.runs,
		DeadLetters: sink,
		Observer:    s.metricsCollector,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}
	s.engine = eng

	s.dlService = deadletter.NewService(s.dlRepo, eng, s.defs, s.runs, s.logger)
	sink.svc = s.dlService

	return nil
}

// logPersistedBreakerState 启动时报告上一个进程留下的熔断器状态。
// Redis 镜像只做观测，不回灌注册表，所以这里仅记录日志供运维排查。
func (s *Server) logPersistedBreakerState(ctx context.Context, mirror *store.RedisBreakerStore) {
	loadCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	states, err := mirror.LoadStates(loadCtx)
	if err != nil {
		s.logger.Warn("Failed to load persisted breaker state", zap.Error(err))
		return
	}
	for _, st := range states {
		if st.State != engine.CircuitClosed.String() {
			s.logger.Warn("Breaker was tripped before restart",
				zap.String("node_type", st.NodeType),
				zap.String("state", st.State),
				zap.String("reason", st.Reason),
				zap.Time("recorded_at", st.RecordedAt))
		}
	}
}

// engineConfigFrom 把应用配置映射为引擎配置，零值字段保留引擎默认值
func engineConfigFrom(cfg config.EngineConfig) engine.Config {
	ec := engine.DefaultConfig()
	if cfg.MaxParallelNodes > 0 {
		ec.MaxParallelNodes = cfg.MaxParallelNodes
	}
	if cfg.DefaultNodeTimeout > 0 {
		ec.DefaultNodeTimeout = cfg.DefaultNodeTimeout
	}
	ec.MemoryBudgetBytes = cfg.MemoryBudgetBytes

	if cfg.Retry.MaxAttempts > 0 {
		ec.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.Backoff != "" {
		ec.Retry.Backoff = engine.BackoffStrategy(cfg.Retry.Backoff)
	}
	if cfg.Retry.InitialDelay > 0 {
		ec.Retry.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		ec.Retry.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.JitterFactor > 0 {
		ec.Retry.JitterFactor = cfg.Retry.JitterFactor
	}

	ec.Breaker.Enabled = cfg.Breaker.Enabled
	if cfg.Breaker.FailureThreshold > 0 {
		ec.Breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.Timeout > 0 {
		ec.Breaker.Timeout = cfg.Breaker.Timeout
	}
	return ec
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 注册路由并启动管理 API 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.dbManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", s.dbManager.Ping))
	}
	if s.redis != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", s.redis.Ping))
	}

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	workflowHandler := handlers.NewWorkflowHandler(s.defs, s.engine, s.registry, s.logger)
	mux.HandleFunc("POST /api/v1/workflows", workflowHandler.HandleSave)
	mux.HandleFunc("GET /api/v1/workflows", workflowHandler.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", workflowHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{id}/run", workflowHandler.HandleRun)

	runsHandler := handlers.NewRunsHandler(s.runs, s.engine, s.logger)
	mux.HandleFunc("GET /api/v1/runs", runsHandler.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", runsHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", runsHandler.HandleCancel)

	dlHandler := handlers.NewDeadLetterHandler(s.dlService, s.logger)
	mux.HandleFunc("GET /api/v1/deadletters", dlHandler.HandleList)
	mux.HandleFunc("GET /api/v1/deadletters/stats", dlHandler.HandleStats)
	mux.HandleFunc("GET /api/v1/deadletters/{id}", dlHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/deadletters/retry", dlHandler.HandleBulkRetry)
	mux.HandleFunc("POST /api/v1/deadletters/{id}/retry", dlHandler.HandleRetry)
	mux.HandleFunc("POST /api/v1/deadletters/{id}/assign", dlHandler.HandleAssign)
	mux.HandleFunc("POST /api/v1/deadletters/{id}/resolve", dlHandler.HandleResolve)
	mux.HandleFunc("POST /api/v1/deadletters/{id}/abandon", dlHandler.HandleAbandon)

	breakerHandler := handlers.NewBreakerHandler(s.breakers, s.logger)
	mux.HandleFunc("GET /api/v1/breakers", breakerHandler.HandleList)
	mux.HandleFunc("GET /api/v1/breakers/{node_type}", breakerHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/breakers/reset", breakerHandler.HandleReset)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Server.JWTSecret != "" {
		middlewares = append(middlewares,
			JWTAuth(s.cfg.Server.JWTSecret, skipAuthPaths, s.logger))
	} else {
		s.logger.Warn("JWT secret not configured, admin API is unauthenticated")
	}
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	s.httpManager = server.NewManager(handler, server.FromServerConfig(s.cfg.Server), s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.FromServerConfig(s.cfg.Server)
	serverConfig.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// nodeHTTPClient 构建内置 HTTP 源节点使用的客户端，强制 TLS 1.2+
func nodeHTTPClient() *http.Client {
	return tlsutil.SecureHTTPClient(30 * time.Second)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止后台 goroutine（限流清理、连接健康检查）
	if s.backgroundCancel != nil {
		s.backgroundCancel()
	}

	// 2. 并行关闭 HTTP 与 Metrics 服务器，停止接收新请求
	var g errgroup.Group
	if s.httpManager != nil {
		g.Go(func() error { return s.httpManager.Shutdown(ctx) })
	}
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
	}

	// 3. 关闭遥测，冲刷剩余 span
	if s.otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.otelProviders.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭数据连接
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis shutdown error", zap.Error(err))
		}
	}
	if s.dbManager != nil {
		if err := s.dbManager.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
