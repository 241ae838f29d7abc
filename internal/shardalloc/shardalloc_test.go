package shardalloc

import (
	"context"
	"testing"
	"time"

	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/qerrors"
	"github.com/qakka/qakka/internal/qid"
)

type fakeStore struct {
	latest      map[string]*domain.Shard
	counters    map[string]int64
	created     []domain.Shard
	latestErr   error
	counterErr  error
}

func shardKey(queue, region string, typ domain.RowType) string {
	return queue + ":" + region + ":" + string(typ)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		latest:   make(map[string]*domain.Shard),
		counters: make(map[string]int64),
	}
}

func (f *fakeStore) LatestShard(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	sh, ok := f.latest[shardKey(queue, region, typ)]
	if !ok {
		return nil, qerrors.NotFound
	}
	return sh, nil
}

func (f *fakeStore) CreateShard(ctx context.Context, sh domain.Shard) error {
	f.created = append(f.created, sh)
	cp := sh
	f.latest[shardKey(sh.Queue, sh.Region, sh.Type)] = &cp
	return nil
}

func (f *fakeStore) ShardCounter(ctx context.Context, queue, region string, typ domain.RowType, shardID int64) (int64, error) {
	if f.counterErr != nil {
		return 0, f.counterErr
	}
	return f.counters[shardKey(queue, region, typ)], nil
}

type fakeCache struct {
	invalidated int
}

func (c *fakeCache) Get(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, bool, error) {
	return nil, false, nil
}

func (c *fakeCache) Set(ctx context.Context, queue, region string, typ domain.RowType, sh *domain.Shard) error {
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context, queue, region string, typ domain.RowType) error {
	c.invalidated++
	return nil
}

type fakeMetrics struct {
	allocations int
}

func (m *fakeMetrics) RecordShardAllocation(queue, region string, typ domain.RowType) {
	m.allocations++
}

func testQueue() *domain.Queue {
	return &domain.Queue{
		Name:         "orders",
		LocalRegion:  "us-east",
		MaxShardSize: 1000,
	}
}

func TestAllocator_NoShardsYet_NoOp(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	metrics := &fakeMetrics{}
	a := New(store, cache, metrics)

	a.Tick(context.Background(), testQueue(), "us-east")

	if len(store.created) != 0 {
		t.Fatalf("expected no shard creation when none exist yet, got %d", len(store.created))
	}
}

func TestAllocator_BelowThreshold_NoOp(t *testing.T) {
	store := newFakeStore()
	pivot, _ := qid.Now()
	store.latest[shardKey("orders", "us-east", domain.Default)] = &domain.Shard{
		Queue: "orders", Region: "us-east", Type: domain.Default, ShardID: 0, Pivot: pivot,
	}
	store.counters[shardKey("orders", "us-east", domain.Default)] = 500 // 50% of 1000

	a := New(store, &fakeCache{}, &fakeMetrics{})
	a.Tick(context.Background(), testQueue(), "us-east")

	if len(store.created) != 0 {
		t.Fatalf("expected no allocation below threshold, got %d creations", len(store.created))
	}
}

func TestAllocator_AboveThreshold_AllocatesNextShard(t *testing.T) {
	store := newFakeStore()
	pivot, _ := qid.Now()
	store.latest[shardKey("orders", "us-east", domain.Default)] = &domain.Shard{
		Queue: "orders", Region: "us-east", Type: domain.Default, ShardID: 3, Pivot: pivot,
	}
	store.counters[shardKey("orders", "us-east", domain.Default)] = 950 // 95% of 1000

	cache := &fakeCache{}
	metrics := &fakeMetrics{}
	a := New(store, cache, metrics)
	a.Tick(context.Background(), testQueue(), "us-east")

	if len(store.created) != 1 {
		t.Fatalf("expected one shard creation, got %d", len(store.created))
	}
	created := store.created[0]
	if created.ShardID != 4 {
		t.Fatalf("expected new shard id 4, got %d", created.ShardID)
	}
	if !qid.Before(pivot, created.Pivot) {
		t.Fatal("expected new shard pivot to be strictly after the previous shard's pivot")
	}
	if cache.invalidated == 0 {
		t.Fatal("expected cache invalidation after shard creation")
	}
	if metrics.allocations != 1 {
		t.Fatalf("expected one recorded allocation, got %d", metrics.allocations)
	}
}

func TestAllocator_CounterNotFound_TreatedAsZero(t *testing.T) {
	store := newFakeStore()
	pivot, _ := qid.Now()
	store.latest[shardKey("orders", "us-east", domain.Default)] = &domain.Shard{
		Queue: "orders", Region: "us-east", Type: domain.Default, ShardID: 0, Pivot: pivot,
	}
	store.counterErr = qerrors.NotFound

	a := New(store, &fakeCache{}, &fakeMetrics{})
	a.Tick(context.Background(), testQueue(), "us-east")

	if len(store.created) != 0 {
		t.Fatalf("expected no allocation when counter is absent (treated as 0), got %d", len(store.created))
	}
}

func TestAllocator_TicksBothRowTypesIndependently(t *testing.T) {
	store := newFakeStore()
	pivot, _ := qid.Now()
	store.latest[shardKey("orders", "us-east", domain.Default)] = &domain.Shard{
		Queue: "orders", Region: "us-east", Type: domain.Default, ShardID: 0, Pivot: pivot,
	}
	store.counters[shardKey("orders", "us-east", domain.Default)] = 950

	store.latest[shardKey("orders", "us-east", domain.Inflight)] = &domain.Shard{
		Queue: "orders", Region: "us-east", Type: domain.Inflight, ShardID: 0, Pivot: pivot,
	}
	store.counters[shardKey("orders", "us-east", domain.Inflight)] = 10

	a := New(store, &fakeCache{}, &fakeMetrics{})
	a.Tick(context.Background(), testQueue(), "us-east")

	if len(store.created) != 1 {
		t.Fatalf("expected exactly one allocation (DEFAULT only), got %d", len(store.created))
	}
	if store.created[0].Type != domain.Default {
		t.Fatalf("expected DEFAULT shard allocated, got %s", store.created[0].Type)
	}
}

func TestAllocator_LatestShardError_Swallowed(t *testing.T) {
	store := newFakeStore()
	store.latestErr = context.DeadlineExceeded

	a := New(store, &fakeCache{}, &fakeMetrics{})
	// Must not panic; errors are logged and the tick completes.
	a.Tick(context.Background(), testQueue(), "us-east")
}

func TestAllocator_AdvanceWindowDefault(t *testing.T) {
	a := New(newFakeStore(), &fakeCache{}, &fakeMetrics{})
	if a.AdvanceWindow <= 0 {
		t.Fatal("expected a positive default advance window")
	}
	if a.AdvanceWindow > 30*time.Second {
		t.Fatalf("default advance window unexpectedly large: %v", a.AdvanceWindow)
	}
}
