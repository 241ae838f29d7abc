// Package shardalloc implements the shard allocator (§4.1): on each tick it
// checks whether the latest shard for a (queue, region, type) is nearing
// capacity and, if so, allocates the next one with a future pivot.
package shardalloc

import (
	"context"
	"fmt"
	"time"

	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/logging"
	"github.com/qakka/qakka/internal/qerrors"
	"github.com/qakka/qakka/internal/qid"
)

// thresholdFraction is the fraction of maxShardSize at which a new shard is
// allocated ahead of the current one filling up.
const thresholdFraction = 0.9

// Store is the subset of store.Store the allocator depends on.
type Store interface {
	LatestShard(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, error)
	CreateShard(ctx context.Context, sh domain.Shard) error
	ShardCounter(ctx context.Context, queue, region string, typ domain.RowType, shardID int64) (int64, error)
}

// Cache is the subset of shardcache.ShardCache the allocator depends on.
type Cache interface {
	Get(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, bool, error)
	Set(ctx context.Context, queue, region string, typ domain.RowType, sh *domain.Shard) error
	Invalidate(ctx context.Context, queue, region string, typ domain.RowType) error
}

// Metrics is the allocation counter the allocator increments; satisfied by
// internal/metrics.
type Metrics interface {
	RecordShardAllocation(queue, region string, typ domain.RowType)
}

type noopMetrics struct{}

func (noopMetrics) RecordShardAllocation(string, string, domain.RowType) {}

// Allocator runs the per-(queue, region) shard allocation tick for both row
// types. It is stateless across ticks beyond what it reads through Store and
// Cache — every tick independently re-derives whether allocation is due,
// matching the spec's "never fatal, next tick retries" failure semantics.
type Allocator struct {
	store   Store
	cache   Cache
	metrics Metrics
	// AdvanceWindow is how far into the future a newly allocated shard's
	// pivot is stamped, so in-flight writers racing the allocator still
	// land in the shard that was current when they started (§4.1).
	AdvanceWindow time.Duration
}

func New(store Store, cache Cache, metrics Metrics) *Allocator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Allocator{
		store:         store,
		cache:         cache,
		metrics:       metrics,
		AdvanceWindow: 2 * time.Second,
	}
}

// Tick runs the allocation check for one (queue, region) across both row
// types, per the queue's maxShardSize. Any failure is logged and swallowed;
// the allocator is never fatal (§4.1 Failure semantics).
func (a *Allocator) Tick(ctx context.Context, q *domain.Queue, region string) {
	for _, typ := range []domain.RowType{domain.Default, domain.Inflight} {
		if err := a.tickOne(ctx, q, region, typ); err != nil {
			logging.Op().Error("shard allocation tick failed",
				"queue", q.Name, "region", region, "type", typ, "error", err)
		}
	}
}

func (a *Allocator) tickOne(ctx context.Context, q *domain.Queue, region string, typ domain.RowType) error {
	latest, err := a.latestShard(ctx, q.Name, region, typ)
	if err != nil {
		return fmt.Errorf("locate latest shard: %w", err)
	}
	if latest == nil {
		// No shards exist yet for this key; shard-0 is created at
		// queue-create time, so there is nothing for the allocator to do.
		return nil
	}

	counter, err := a.store.ShardCounter(ctx, q.Name, region, typ, latest.ShardID)
	if err != nil {
		if qerrors.Is(err, qerrors.NotFound) {
			counter = 0
		} else {
			return fmt.Errorf("read shard counter: %w", err)
		}
	}

	if float64(counter) <= thresholdFraction*float64(q.MaxShardSize) {
		return nil
	}

	pivot, err := qid.New(time.Now().Add(a.AdvanceWindow))
	if err != nil {
		return fmt.Errorf("mint pivot: %w", err)
	}
	next := domain.Shard{
		Queue:   q.Name,
		Region:  region,
		Type:    typ,
		ShardID: latest.ShardID + 1,
		Pivot:   pivot,
	}
	if err := a.store.CreateShard(ctx, next); err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	if err := a.cache.Invalidate(ctx, q.Name, region, typ); err != nil {
		logging.Op().Warn("shard cache invalidate failed", "queue", q.Name, "region", region, "type", typ, "error", err)
	}
	a.metrics.RecordShardAllocation(q.Name, region, typ)
	logging.Op().Info("allocated new shard",
		"queue", q.Name, "region", region, "type", typ, "shard_id", next.ShardID, "pivot", next.Pivot)
	return nil
}

func (a *Allocator) latestShard(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, error) {
	if a.cache != nil {
		if cached, hit, err := a.cache.Get(ctx, queue, region, typ); err == nil && hit {
			return cached, nil
		}
	}

	latest, err := a.store.LatestShard(ctx, queue, region, typ)
	if err != nil {
		if qerrors.Is(err, qerrors.NotFound) {
			if a.cache != nil {
				_ = a.cache.Set(ctx, queue, region, typ, nil)
			}
			return nil, nil
		}
		return nil, err
	}
	if a.cache != nil {
		_ = a.cache.Set(ctx, queue, region, typ, latest)
	}
	return latest, nil
}
