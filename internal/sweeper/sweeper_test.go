package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/qerrors"
)

type fakeStore struct {
	expired       []domain.Message
	requeued      []domain.Message
	deadLettered  []domain.Message
	requeueErr    error
	orphanedCount int
}

func (f *fakeStore) ExpiredInflight(ctx context.Context, queue, region string, olderThan time.Time, limit int) ([]domain.Message, error) {
	return f.expired, nil
}

func (f *fakeStore) RequeueToAvailable(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, queuedAt time.Time) (*domain.Message, error) {
	if f.requeueErr != nil {
		return nil, f.requeueErr
	}
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
	f.requeued = append(f.requeued, next)
	return &next, nil
}

func (f *fakeStore) DeadLetter(ctx context.Context, m domain.Message) error {
	f.deadLettered = append(f.deadLettered, m)
	return nil
}

func (f *fakeStore) SweepOrphanedBodies(ctx context.Context, cutoff time.Time) (int, error) {
	return f.orphanedCount, nil
}

type fakeMetrics struct {
	redeliveries int
	deadLetters  int
}

func (m *fakeMetrics) RecordRedelivery(queue, region string) { m.redeliveries++ }
func (m *fakeMetrics) RecordDeadLetter(queue, region string) { m.deadLetters++ }

func testQueue() *domain.Queue {
	return &domain.Queue{
		Name:            "orders",
		LeaseSeconds:    30,
		MaxRedeliveries: 2,
	}
}

func expiredRow(nReturned int) domain.Message {
	return domain.Message{
		QueueMessageID: uuid.New(),
		MessageID:      uuid.New(),
		Queue:          "orders",
		Region:         "us-east",
		Type:           domain.Inflight,
		ShardID:        0,
		NReturned:      nReturned,
	}
}

func TestSweeper_RequeuesUnderMaxRedeliveries(t *testing.T) {
	fs := &fakeStore{expired: []domain.Message{expiredRow(0)}}
	metrics := &fakeMetrics{}
	s := New(fs, metrics)

	s.Tick(context.Background(), testQueue(), "us-east")

	if len(fs.requeued) != 1 {
		t.Fatalf("expected 1 requeue, got %d", len(fs.requeued))
	}
	if fs.requeued[0].NReturned != 1 {
		t.Fatalf("expected nReturned incremented to 1, got %d", fs.requeued[0].NReturned)
	}
	if metrics.redeliveries != 1 {
		t.Fatalf("expected 1 recorded redelivery, got %d", metrics.redeliveries)
	}
	if len(fs.deadLettered) != 0 {
		t.Fatal("expected no dead-letters")
	}
}

func TestSweeper_DeadLettersAtMaxRedeliveries(t *testing.T) {
	fs := &fakeStore{expired: []domain.Message{expiredRow(2)}} // MaxRedeliveries is 2
	metrics := &fakeMetrics{}
	s := New(fs, metrics)

	s.Tick(context.Background(), testQueue(), "us-east")

	if len(fs.deadLettered) != 1 {
		t.Fatalf("expected 1 dead-letter, got %d", len(fs.deadLettered))
	}
	if len(fs.requeued) != 0 {
		t.Fatal("expected no requeue when dead-lettered")
	}
	if metrics.deadLetters != 1 {
		t.Fatalf("expected 1 recorded dead-letter, got %d", metrics.deadLetters)
	}
}

func TestSweeper_SkipsRowsRacedByAck(t *testing.T) {
	fs := &fakeStore{expired: []domain.Message{expiredRow(0)}, requeueErr: qerrors.Conflict}
	metrics := &fakeMetrics{}
	s := New(fs, metrics)

	// Must not panic or record spurious metrics when the row has already
	// been acked out from under the sweeper (§4.4 Ordering).
	s.Tick(context.Background(), testQueue(), "us-east")

	if len(fs.requeued) != 0 {
		t.Fatal("expected no requeue recorded on conflict")
	}
	if metrics.redeliveries != 0 {
		t.Fatal("expected no redelivery metric recorded on conflict")
	}
}

func TestSweeper_MultipleExpiredRowsProcessedIndependently(t *testing.T) {
	fs := &fakeStore{expired: []domain.Message{expiredRow(0), expiredRow(1), expiredRow(2)}}
	metrics := &fakeMetrics{}
	s := New(fs, metrics)

	s.Tick(context.Background(), testQueue(), "us-east")

	if len(fs.requeued) != 2 {
		t.Fatalf("expected 2 requeues (nReturned 0 and 1), got %d", len(fs.requeued))
	}
	if len(fs.deadLettered) != 1 {
		t.Fatalf("expected 1 dead-letter (nReturned 2), got %d", len(fs.deadLettered))
	}
}

func TestSweeper_SweepBodies(t *testing.T) {
	fs := &fakeStore{orphanedCount: 5}
	s := New(fs, nil)

	n, err := s.SweepBodies(context.Background())
	if err != nil {
		t.Fatalf("SweepBodies failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 swept bodies, got %d", n)
	}
}

func TestSweeper_NoExpiredRows_NoOp(t *testing.T) {
	fs := &fakeStore{}
	metrics := &fakeMetrics{}
	s := New(fs, metrics)

	s.Tick(context.Background(), testQueue(), "us-east")

	if metrics.redeliveries != 0 || metrics.deadLetters != 0 {
		t.Fatal("expected no metrics recorded when there are no expired rows")
	}
}
