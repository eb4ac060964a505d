// Package store is the sole owner of Darwin's backing systems: Redis for
// structured records and the FIFO work queues, NATS for lifecycle event
// notifications, Qdrant for the two ANN indices, and (best-effort) Neo4j for
// the signal/topic/task lineage graph.
package store

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/darwin-ai/darwin/internal/config"
)

// Store bundles every backing connection a worker or handler needs.
// There are no package-level singletons; callers receive this
// explicitly.
type Store struct {
	KV      *KV
	Queue   *Queue
	Topics  *VectorIndex
	Fixes   *VectorIndex
	Lineage *Lineage // nil if Neo4j is unreachable at startup; never on the critical path.
}

// Open connects every backing system described by cfg. Qdrant and Redis
// failures are fatal (they sit on the pipeline's critical path); if the
// Neo4j driver cannot be built, the error is discarded and Lineage is
// left nil, since the lineage graph is best-effort.
func Open(ctx context.Context, cfg config.Config, dim int) (*Store, func(), error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("store: parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("store: redis ping: %w", err)
	}

	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("store: nats connect: %w", err)
	}

	topics, err := NewVectorIndex(cfg.QdrantURL, "idx_topics")
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("store: qdrant topics index: %w", err)
	}
	if err := topics.EnsureCollection(ctx, dim); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("store: ensure topics collection: %w", err)
	}

	fixes, err := NewVectorIndex(cfg.QdrantURL, "idx_successful_fixes")
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("store: qdrant fixes index: %w", err)
	}
	if err := fixes.EnsureCollection(ctx, dim); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("store: ensure fixes collection: %w", err)
	}

	s := &Store{
		KV:     NewKV(rdb),
		Queue:  NewQueue(nc, rdb),
		Topics: topics,
		Fixes:  fixes,
	}

	if driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, "")); err == nil {
		s.Lineage = NewLineage(driver)
	}

	closeFn := func() {
		rdb.Close()
		nc.Close()
		topics.Close()
		fixes.Close()
		if s.Lineage != nil {
			s.Lineage.Close(ctx)
		}
	}
	return s, closeFn, nil
}
