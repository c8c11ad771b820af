package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/engine"
)

// RedisBreakerStore mirrors circuit breaker state into Redis so operators
// and sibling engine instances can observe which node types are tripped.
// Breaker decisions stay local; Redis is an observability mirror, not a
// coordination mechanism.
type RedisBreakerStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisBreakerStore creates the mirror. A zero ttl keeps entries until
// the next transition overwrites them.
func NewRedisBreakerStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisBreakerStore {
	if prefix == "" {
		prefix = "geoflow"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBreakerStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "breaker_store")),
	}
}

// OnBreakerStateChange implements engine.BreakerStateHandler. The engine
// invokes it asynchronously, so a slow or unavailable Redis never blocks
// node scheduling.
func (s *RedisBreakerStore) OnBreakerStateChange(snap engine.BreakerSnapshot, old engine.CircuitState, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(stateRecord{
		Snapshot:   snap,
		State:      snap.State.String(),
		OldState:   old.String(),
		Reason:     reason,
		RecordedAt: time.Now(),
	})
	if err != nil {
		s.logger.Error("failed to encode breaker state", zap.Error(err))
		return
	}

	if err := s.client.Set(ctx, s.key(snap.NodeType), payload, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to mirror breaker state to redis",
			zap.String("node_type", snap.NodeType),
			zap.Error(err))
		return
	}
	s.logger.Debug("breaker state mirrored",
		zap.String("node_type", snap.NodeType),
		zap.String("state", snap.State.String()),
		zap.String("reason", reason))
}

// stateRecord is what gets stored per node type. State strings are stored
// alongside the numeric snapshot so the record is readable in redis-cli.
type stateRecord struct {
	Snapshot   engine.BreakerSnapshot `json:"snapshot"`
	State      string                 `json:"state"`
	OldState   string                 `json:"old_state"`
	Reason     string                 `json:"reason"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// BreakerState is one mirrored breaker record.
type BreakerState struct {
	NodeType   string                 `json:"node_type"`
	State      string                 `json:"state"`
	Reason     string                 `json:"reason"`
	Snapshot   engine.BreakerSnapshot `json:"snapshot"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// LoadStates returns every mirrored breaker record.
func (s *RedisBreakerStore) LoadStates(ctx context.Context) ([]BreakerState, error) {
	var out []BreakerState
	iter := s.client.Scan(ctx, 0, s.key("*"), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var rec stateRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping undecodable breaker record",
				zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		out = append(out, BreakerState{
			NodeType:   rec.Snapshot.NodeType,
			State:      rec.State,
			Reason:     rec.Reason,
			Snapshot:   rec.Snapshot,
			RecordedAt: rec.RecordedAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisBreakerStore) key(nodeType string) string {
	return fmt.Sprintf("%s:breaker:%s", s.prefix, nodeType)
}
