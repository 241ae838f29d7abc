// Package sweeper implements the timeout/redelivery sweeper (§4.4): it
// periodically scans INFLIGHT rows whose lease has expired and either
// requeues or dead-letters each one, plus the orphaned-body GC (§11.2)
// that reclaims bodies no row references anymore.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/logging"
	"github.com/qakka/qakka/internal/qerrors"
	"github.com/qakka/qakka/internal/qid"
)

// Store is the subset of store.Store the sweeper depends on.
type Store interface {
	ExpiredInflight(ctx context.Context, queue, region string, olderThan time.Time, limit int) ([]domain.Message, error)
	RequeueToAvailable(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, queuedAt time.Time) (*domain.Message, error)
	DeadLetter(ctx context.Context, m domain.Message) error
	SweepOrphanedBodies(ctx context.Context, cutoff time.Time) (int, error)
}

// Metrics records the sweeper's observable counters; satisfied by
// internal/metrics.
type Metrics interface {
	RecordRedelivery(queue, region string)
	RecordDeadLetter(queue, region string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRedelivery(string, string) {}
func (noopMetrics) RecordDeadLetter(string, string) {}

// ScanBatch caps how many expired rows a single sweep tick pulls per
// (queue, region), bounding the worst-case tick duration.
const ScanBatch = 256

// Sweeper runs the lease-expiry scan for a set of (queue, region) pairs and
// the orphaned-body GC. It is stateless across ticks: every tick
// independently re-queries expired rows, so a crash between ticks loses no
// correctness, only timeliness.
type Sweeper struct {
	store   Store
	metrics Metrics
	// BodyGCGrace is how long a body must have existed with no referencing
	// row before SweepOrphanedBodies reclaims it — a grace window against
	// a body written just before its first index row commits.
	BodyGCGrace time.Duration
}

func New(store Store, metrics Metrics) *Sweeper {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Sweeper{store: store, metrics: metrics, BodyGCGrace: time.Minute}
}

// Tick scans and resolves expired INFLIGHT rows for one (queue, region)
// whose lease exceeds leaseDuration. Any per-row failure is logged and
// skipped; the tick never aborts early (§4.4 is a best-effort periodic
// scan, not a transaction).
func (s *Sweeper) Tick(ctx context.Context, q *domain.Queue, region string) {
	cutoff := time.Now().Add(-q.Lease())
	rows, err := s.store.ExpiredInflight(ctx, q.Name, region, cutoff, ScanBatch)
	if err != nil {
		logging.Op().Error("sweeper scan failed", "queue", q.Name, "region", region, "error", err)
		return
	}
	for _, row := range rows {
		if err := s.resolve(ctx, q, region, row); err != nil {
			logging.Op().Error("sweeper resolve failed",
				"queue", q.Name, "region", region, "queue_message_id", row.QueueMessageID, "error", err)
		}
	}
}

func (s *Sweeper) resolve(ctx context.Context, q *domain.Queue, region string, row domain.Message) error {
	if row.NReturned+1 > q.MaxRedeliveries {
		if err := s.store.DeadLetter(ctx, row); err != nil {
			return fmt.Errorf("dead-letter: %w", err)
		}
		s.metrics.RecordDeadLetter(q.Name, region)
		return nil
	}

	newID, err := qid.Now()
	if err != nil {
		return fmt.Errorf("mint requeue id: %w", err)
	}
	if _, err := s.store.RequeueToAvailable(ctx, row, newID, time.Now()); err != nil {
		if qerrors.Is(err, qerrors.Conflict) {
			// Raced by a concurrent ack for the same row (§4.4 Ordering):
			// the row vanished between our read and our write, so there is
			// nothing left to requeue.
			return nil
		}
		return fmt.Errorf("requeue: %w", err)
	}
	s.metrics.RecordRedelivery(q.Name, region)
	return nil
}

// SweepBodies reclaims message_bodies rows no messages_available or
// messages_inflight row references anymore, older than BodyGCGrace.
func (s *Sweeper) SweepBodies(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.BodyGCGrace)
	n, err := s.store.SweepOrphanedBodies(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned bodies: %w", err)
	}
	if n > 0 {
		logging.Op().Info("swept orphaned bodies", "count", n)
	}
	return n, nil
}
