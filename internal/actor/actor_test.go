package actor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/notify"
	"github.com/qakka/qakka/internal/qerrors"
	"github.com/qakka/qakka/internal/qid"
)

// fakeStore is an in-memory stand-in for store.Store, enough to exercise
// the actor's refresh/ack/nack decision logic without a database.
type fakeStore struct {
	shards    []domain.Shard
	available map[int64][]domain.Message // shardID -> rows ordered ascending
	inflight  map[uuid.UUID]domain.Message
	deadLetters []domain.Message
	bodiesDeleted []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		available: make(map[int64][]domain.Message),
		inflight:  make(map[uuid.UUID]domain.Message),
	}
}

func (f *fakeStore) ListShardsAscending(ctx context.Context, queue, region string, typ domain.RowType) ([]domain.Shard, error) {
	return f.shards, nil
}

func (f *fakeStore) ReadAvailableBatch(ctx context.Context, queue, region string, shardID int64, cursor uuid.UUID, limit int) ([]domain.Message, error) {
	rows := f.available[shardID]
	var out []domain.Message
	for _, r := range rows {
		if qid.Before(r.QueueMessageID, cursor) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MoveToInflight(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, now time.Time) (*domain.Message, error) {
	rows := f.available[old.ShardID]
	idx := -1
	for i, r := range rows {
		if r.QueueMessageID == old.QueueMessageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, qerrors.Conflict
	}
	f.available[old.ShardID] = append(rows[:idx], rows[idx+1:]...)

	next := domain.Message{
		QueueMessageID: newQueueMessageID,
		MessageID:      old.MessageID,
		Queue:          old.Queue,
		Region:         old.Region,
		Type:           domain.Inflight,
		ShardID:        old.ShardID,
		InflightAt:     &now,
		NReturned:      old.NReturned,
	}
	f.inflight[newQueueMessageID] = next
	return &next, nil
}

func (f *fakeStore) DeleteInflight(ctx context.Context, queue, region string, shardID int64, queueMessageID uuid.UUID) (bool, error) {
	_, ok := f.inflight[queueMessageID]
	if !ok {
		return false, nil
	}
	delete(f.inflight, queueMessageID)
	return true, nil
}

func (f *fakeStore) ListInflight(ctx context.Context, queue, region string) ([]domain.Message, error) {
	var out []domain.Message
	for _, m := range f.inflight {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) CountOfMessageID(ctx context.Context, queue, region string, messageID uuid.UUID) (int, error) {
	n := 0
	for _, rows := range f.available {
		for _, r := range rows {
			if r.MessageID == messageID {
				n++
			}
		}
	}
	for _, m := range f.inflight {
		if m.MessageID == messageID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RequeueToAvailable(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, queuedAt time.Time) (*domain.Message, error) {
	if _, ok := f.inflight[old.QueueMessageID]; !ok {
		return nil, qerrors.Conflict
	}
	delete(f.inflight, old.QueueMessageID)
	next := domain.Message{
		QueueMessageID: newQueueMessageID,
		MessageID:      old.MessageID,
		Queue:          old.Queue,
		Region:         old.Region,
		Type:           domain.Default,
		ShardID:        old.ShardID,
		QueuedAt:       queuedAt,
		NReturned:      old.NReturned + 1,
	}
	f.available[old.ShardID] = append(f.available[old.ShardID], next)
	return &next, nil
}

func (f *fakeStore) DeadLetter(ctx context.Context, m domain.Message) error {
	delete(f.inflight, m.QueueMessageID)
	f.deadLetters = append(f.deadLetters, m)
	return nil
}

func (f *fakeStore) DeleteBody(ctx context.Context, messageID uuid.UUID) error {
	f.bodiesDeleted = append(f.bodiesDeleted, messageID)
	return nil
}

func testQueue() *domain.Queue {
	return &domain.Queue{
		Name:            "orders",
		LocalRegion:     "us-east",
		MaxRedeliveries: 2,
		RefreshBatch:    10,
		BufferTarget:    20,
	}
}

func seedShardWithRows(t *testing.T, fs *fakeStore, shardID int64, n int) []domain.Message {
	t.Helper()
	pivot, err := qid.New(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	fs.shards = append(fs.shards, domain.Shard{
		Queue: "orders", Region: "us-east", Type: domain.Default, ShardID: shardID, Pivot: pivot,
	})
	var rows []domain.Message
	for i := 0; i < n; i++ {
		qmid, err := qid.Now()
		if err != nil {
			t.Fatal(err)
		}
		m := domain.Message{
			QueueMessageID: qmid,
			MessageID:      qid.NewMessageID(),
			Queue:          "orders",
			Region:         "us-east",
			Type:           domain.Default,
			ShardID:        shardID,
		}
		rows = append(rows, m)
		time.Sleep(time.Microsecond)
	}
	fs.available[shardID] = rows
	return rows
}

func TestActor_RefreshMovesRowsToBuffer(t *testing.T) {
	fs := newFakeStore()
	seedShardWithRows(t, fs, 0, 3)

	a := New(testQueue(), "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	got, err := a.GetNext(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(got))
	}
	if len(fs.inflight) != 3 {
		t.Fatalf("expected 3 inflight rows durable, got %d", len(fs.inflight))
	}
}

func TestActor_GetNextNeverBlocksOnStorage(t *testing.T) {
	fs := newFakeStore()
	a := New(testQueue(), "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	got, err := a.GetNext(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no descriptors from an empty buffer, got %d", len(got))
	}
}

func TestActor_AckDeletesInflightAndBody(t *testing.T) {
	fs := newFakeStore()
	seedShardWithRows(t, fs, 0, 1)

	a := New(testQueue(), "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := a.GetNext(context.Background(), 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 descriptor, got %d err %v", len(got), err)
	}

	if err := a.Ack(context.Background(), got[0].QueueMessageID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if len(fs.inflight) != 0 {
		t.Fatal("expected inflight row removed after ack")
	}
	if len(fs.bodiesDeleted) != 1 {
		t.Fatal("expected body deleted when ack removes the last reference")
	}
}

func TestActor_AckUnknownQueueMessageID(t *testing.T) {
	fs := newFakeStore()
	a := New(testQueue(), "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	err := a.Ack(context.Background(), uuid.New())
	if !qerrors.Is(err, qerrors.NotFound) {
		t.Fatalf("expected NotFound for an unrecognized queueMessageId, got %v", err)
	}
}

func TestActor_NackRequeuesBelowMaxRedeliveries(t *testing.T) {
	fs := newFakeStore()
	seedShardWithRows(t, fs, 0, 1)

	a := New(testQueue(), "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := a.GetNext(context.Background(), 1)

	if err := a.Nack(context.Background(), got[0].QueueMessageID); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if len(fs.inflight) != 0 {
		t.Fatal("expected inflight row removed after nack")
	}
	if len(fs.available[0]) != 1 {
		t.Fatalf("expected row requeued to available, got %d", len(fs.available[0]))
	}
	if fs.available[0][0].NReturned != 1 {
		t.Fatalf("expected nReturned incremented to 1, got %d", fs.available[0][0].NReturned)
	}
}

func TestActor_NackDeadLettersAtMaxRedeliveries(t *testing.T) {
	fs := newFakeStore()
	seedShardWithRows(t, fs, 0, 1)
	fs.available[0][0].NReturned = 2 // already at MaxRedeliveries(2); next nack should DLQ

	q := testQueue()
	a := New(q, "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := a.GetNext(context.Background(), 1)

	if err := a.Nack(context.Background(), got[0].QueueMessageID); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if len(fs.deadLetters) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(fs.deadLetters))
	}
	if len(fs.available[0]) != 0 {
		t.Fatal("expected no requeue when dead-lettered")
	}
}

func TestActor_RefreshSkipsFutureShards(t *testing.T) {
	fs := newFakeStore()
	futurePivot, err := qid.New(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	fs.shards = append(fs.shards, domain.Shard{
		Queue: "orders", Region: "us-east", Type: domain.Default, ShardID: 0, Pivot: futurePivot,
	})
	qmid, _ := qid.Now()
	fs.available[0] = []domain.Message{{QueueMessageID: qmid, MessageID: qid.NewMessageID(), Queue: "orders", Region: "us-east", ShardID: 0}}

	a := New(testQueue(), "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := a.GetNext(context.Background(), 10)
	if len(got) != 0 {
		t.Fatalf("expected no rows moved from a future shard, got %d", len(got))
	}
}

func TestActor_InvariantA2_DescriptorDurableBeforeReturn(t *testing.T) {
	fs := newFakeStore()
	seedShardWithRows(t, fs, 0, 1)

	a := New(testQueue(), "us-east", Config{Store: fs, Notifier: notify.NewNoopNotifier()})
	defer a.Close()

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Before GetNext is even called, the row must already be durable as
	// INFLIGHT — Refresh, not GetNext, is what performs the durable write.
	if len(fs.inflight) != 1 {
		t.Fatal("expected inflight row durable immediately after refresh, before any GetNext")
	}
}
