// Package cache provides internal Redis connection management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/config"
)

// =============================================================================
// 💾 Redis 连接管理器
// =============================================================================

// Manager 管理熔断器状态镜像使用的 Redis 连接生命周期。
// 客户端实例通过 Client() 交给 store.RedisBreakerStore。
type Manager struct {
	redis  *redis.Client
	cfg    config.RedisConfig
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewManager 按配置建立 Redis 连接并验证连通性
func NewManager(cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 启动时验证连接，失败时尽早暴露配置错误
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
	)

	return &Manager{
		redis:  client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Client 返回底层 Redis 客户端
func (m *Manager) Client() *redis.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.redis
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("redis connection is closed")
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing redis connection")
	return m.redis.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// StartHealthCheck 启动周期健康检查，ctx 取消或连接关闭时退出
func (m *Manager) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			m.mu.RLock()
			closed := m.closed
			m.mu.RUnlock()
			if closed {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := m.Ping(pingCtx)
			cancel()
			if err != nil {
				m.logger.Error("redis health check failed", zap.Error(err))
			} else {
				m.logger.Debug("redis health check passed")
			}
		}
	}()
}
