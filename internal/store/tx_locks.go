package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// acquireQueueLock takes a transaction-scoped advisory lock keyed by queue
// name. qakkad runs the allocator tick for every queue in every process,
// with no leader per queue, so two processes can call CreateShard for the
// same queue at once. This lock serializes those calls; a later insert of
// an already-taken shard_id then fails on the primary key instead of
// interleaving with the first.
func (s *PostgresStore) acquireQueueLock(ctx context.Context, tx pgx.Tx, queue string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey(queue)); err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	return nil
}

func queueLockKey(queue string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(queue))
	return int64(h.Sum64())
}
