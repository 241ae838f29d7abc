// Package store persists shards, counters, and message index rows in
// Postgres (§6 storage schema), the durable collaborator the rest of the
// queue core is built around.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/qerrors"
)

// PostgresStore is the durable backing store for queues, shards, and
// message index rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn, pings it, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			name TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shards (
			queue TEXT NOT NULL,
			region TEXT NOT NULL,
			type TEXT NOT NULL,
			shard_id BIGINT NOT NULL,
			pivot UUID NOT NULL,
			PRIMARY KEY (queue, region, type, shard_id)
		)`,
		`CREATE INDEX IF NOT EXISTS shards_by_pivot ON shards (queue, region, type, pivot)`,
		`CREATE TABLE IF NOT EXISTS shard_counters (
			queue TEXT NOT NULL,
			region TEXT NOT NULL,
			type TEXT NOT NULL,
			shard_id BIGINT NOT NULL,
			counter BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (queue, region, type, shard_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages_available (
			queue TEXT NOT NULL,
			region TEXT NOT NULL,
			shard_id BIGINT NOT NULL,
			queue_message_id UUID NOT NULL,
			message_id UUID NOT NULL,
			queued_at TIMESTAMPTZ NOT NULL,
			n_returned INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (queue, region, shard_id, queue_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_available_cursor ON messages_available (queue, region, shard_id, queue_message_id)`,
		`CREATE TABLE IF NOT EXISTS messages_inflight (
			queue TEXT NOT NULL,
			region TEXT NOT NULL,
			shard_id BIGINT NOT NULL,
			queue_message_id UUID NOT NULL,
			message_id UUID NOT NULL,
			inflight_at TIMESTAMPTZ NOT NULL,
			n_returned INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (queue, region, shard_id, queue_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_inflight_by_lease ON messages_inflight (queue, region, inflight_at)`,
		`CREATE TABLE IF NOT EXISTS message_bodies (
			message_id UUID PRIMARY KEY,
			blob BYTEA,
			content_type TEXT NOT NULL,
			locator TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_nodes (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- Queue admin (§4.5 createQueue/deleteQueue) ---

func (s *PostgresStore) SaveQueue(ctx context.Context, q *domain.Queue) error {
	if q.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queues (name, data, created_at)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data
	`, q.Name, data, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, name string) (*domain.Queue, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM queues WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, qerrors.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	var q domain.Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("unmarshal queue: %w", err)
	}
	return &q, nil
}

// ListQueues returns every queue the allocator and sweeper ticks need to
// drive, in no particular order.
func (s *PostgresStore) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM queues`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []*domain.Queue
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		var q domain.Queue
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, fmt.Errorf("unmarshal queue: %w", err)
		}
		out = append(out, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return out, nil
}

// DeleteQueue cascades: shards, counters, both message families. Bodies
// referenced only by this queue's messages are left for the orphaned-body
// sweep (§7) rather than deleted synchronously, since a body's ownership
// is keyed by messageId alone.
func (s *PostgresStore) DeleteQueue(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete queue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM messages_available WHERE queue = $1`,
		`DELETE FROM messages_inflight WHERE queue = $1`,
		`DELETE FROM shard_counters WHERE queue = $1`,
		`DELETE FROM shards WHERE queue = $1`,
		`DELETE FROM queues WHERE name = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, name); err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- Shards (§4.1) ---

// LatestShard returns the highest-shardId shard for (queue,region,type), or
// qerrors.NotFound if none exist yet.
func (s *PostgresStore) LatestShard(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, error) {
	var sh domain.Shard
	var pivot uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT shard_id, pivot FROM shards
		WHERE queue = $1 AND region = $2 AND type = $3
		ORDER BY pivot DESC LIMIT 1
	`, queue, region, string(typ)).Scan(&sh.ShardID, &pivot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, qerrors.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest shard: %w", err)
	}
	sh.Queue, sh.Region, sh.Type, sh.Pivot = queue, region, typ, pivot
	return &sh, nil
}

// ListShardsAscending returns every shard for (queue,region,type) ordered
// oldest pivot first, the order Refresh drains in (§4.2 step 1).
func (s *PostgresStore) ListShardsAscending(ctx context.Context, queue, region string, typ domain.RowType) ([]domain.Shard, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT shard_id, pivot FROM shards
		WHERE queue = $1 AND region = $2 AND type = $3
		ORDER BY pivot ASC
	`, queue, region, string(typ))
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer rows.Close()

	var out []domain.Shard
	for rows.Next() {
		var sh domain.Shard
		if err := rows.Scan(&sh.ShardID, &sh.Pivot); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		sh.Queue, sh.Region, sh.Type = queue, region, typ
		out = append(out, sh)
	}
	return out, rows.Err()
}

// CreateShard inserts a new shard row and zeroes its counter. Invariant S1
// (dense, strictly increasing shardIds and pivots) is the caller's
// responsibility — the allocator only ever appends shardId = latest+1.
func (s *PostgresStore) CreateShard(ctx context.Context, sh domain.Shard) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create shard tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.acquireQueueLock(ctx, tx, sh.Queue); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO shards (queue, region, type, shard_id, pivot)
		VALUES ($1, $2, $3, $4, $5)
	`, sh.Queue, sh.Region, string(sh.Type), sh.ShardID, sh.Pivot); err != nil {
		return fmt.Errorf("insert shard: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO shard_counters (queue, region, type, shard_id, counter)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (queue, region, type, shard_id) DO NOTHING
	`, sh.Queue, sh.Region, string(sh.Type), sh.ShardID); err != nil {
		return fmt.Errorf("init shard counter: %w", err)
	}
	return tx.Commit(ctx)
}

// ShardCounter reads a shard's row-count estimate (invariant S2); absent
// counters are treated as 0 per §4.1 edge cases.
func (s *PostgresStore) ShardCounter(ctx context.Context, queue, region string, typ domain.RowType, shardID int64) (int64, error) {
	var counter int64
	err := s.pool.QueryRow(ctx, `
		SELECT counter FROM shard_counters
		WHERE queue = $1 AND region = $2 AND type = $3 AND shard_id = $4
	`, queue, region, string(typ), shardID).Scan(&counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read shard counter: %w", err)
	}
	return counter, nil
}

func (s *PostgresStore) adjustShardCounter(ctx context.Context, tx pgx.Tx, queue, region string, typ domain.RowType, shardID int64, delta int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO shard_counters (queue, region, type, shard_id, counter)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (queue, region, type, shard_id) DO UPDATE SET
			counter = shard_counters.counter + $5
	`, queue, region, string(typ), shardID, delta)
	if err != nil {
		return fmt.Errorf("adjust shard counter: %w", err)
	}
	return nil
}

// --- Message bodies (§3) ---

func (s *PostgresStore) SaveBody(ctx context.Context, b domain.Body) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_bodies (message_id, blob, content_type, locator, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO NOTHING
	`, b.MessageID, b.Blob, b.ContentType, b.Locator, time.Now())
	if err != nil {
		return fmt.Errorf("save body: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadBody(ctx context.Context, messageID uuid.UUID) (*domain.Body, error) {
	var b domain.Body
	b.MessageID = messageID
	err := s.pool.QueryRow(ctx, `
		SELECT blob, content_type, locator FROM message_bodies WHERE message_id = $1
	`, messageID).Scan(&b.Blob, &b.ContentType, &b.Locator)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, qerrors.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load body: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) DeleteBody(ctx context.Context, messageID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM message_bodies WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("delete body: %w", err)
	}
	return nil
}

// SweepOrphanedBodies deletes bodies older than cutoff with no referencing
// row in either message family (§7, §11.2 body GC). Returns the count
// removed.
func (s *PostgresStore) SweepOrphanedBodies(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM message_bodies b
		WHERE b.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM messages_available a WHERE a.message_id = b.message_id)
		  AND NOT EXISTS (SELECT 1 FROM messages_inflight i WHERE i.message_id = b.message_id)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned bodies: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Message index rows (§3, §4.2, §4.4) ---

// InsertAvailable writes a new DEFAULT row (send path, §4.5).
func (s *PostgresStore) InsertAvailable(ctx context.Context, m domain.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert available tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages_available (queue, region, shard_id, queue_message_id, message_id, queued_at, n_returned)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.Queue, m.Region, m.ShardID, m.QueueMessageID, m.MessageID, m.QueuedAt, m.NReturned); err != nil {
		return fmt.Errorf("insert available: %w", err)
	}
	if err := s.adjustShardCounter(ctx, tx, m.Queue, m.Region, domain.Default, m.ShardID, 1); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReadAvailableBatch reads up to limit DEFAULT rows for one shard ordered
// ascending by queueMessageId at or after cursor (§4.2 step 2).
func (s *PostgresStore) ReadAvailableBatch(ctx context.Context, queue, region string, shardID int64, cursor uuid.UUID, limit int) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_message_id, message_id, queued_at, n_returned FROM messages_available
		WHERE queue = $1 AND region = $2 AND shard_id = $3 AND queue_message_id >= $4
		ORDER BY queue_message_id ASC
		LIMIT $5
	`, queue, region, shardID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("read available batch: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m := domain.Message{Queue: queue, Region: region, Type: domain.Default, ShardID: shardID}
		if err := rows.Scan(&m.QueueMessageID, &m.MessageID, &m.QueuedAt, &m.NReturned); err != nil {
			return nil, fmt.Errorf("scan available row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MoveToInflight performs the DEFAULT→INFLIGHT transition for one row
// (§4.2 step 3): delete the DEFAULT row, write a fresh INFLIGHT row with a
// new queueMessageId, adjust both counters. Returns the new inflight
// message. If the DEFAULT row is already gone (raced by another actor,
// which should not happen under single-writer-per-actor but is tolerated
// defensively), returns qerrors.Conflict.
func (s *PostgresStore) MoveToInflight(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, now time.Time) (*domain.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin move-to-inflight tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM messages_available
		WHERE queue = $1 AND region = $2 AND shard_id = $3 AND queue_message_id = $4
	`, old.Queue, old.Region, old.ShardID, old.QueueMessageID)
	if err != nil {
		return nil, fmt.Errorf("delete available row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, qerrors.Conflict
	}

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
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages_inflight (queue, region, shard_id, queue_message_id, message_id, inflight_at, n_returned)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, next.Queue, next.Region, next.ShardID, next.QueueMessageID, next.MessageID, now, next.NReturned); err != nil {
		return nil, fmt.Errorf("insert inflight row: %w", err)
	}

	if err := s.adjustShardCounter(ctx, tx, old.Queue, old.Region, domain.Default, old.ShardID, -1); err != nil {
		return nil, err
	}
	if err := s.adjustShardCounter(ctx, tx, old.Queue, old.Region, domain.Inflight, old.ShardID, 1); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit move-to-inflight: %w", err)
	}
	return &next, nil
}

// DeleteInflight deletes one inflight row, reporting whether it still
// existed. Ack and the sweeper both call this; spec §4.4 requires the
// sweeper to skip its DEFAULT write if the row already disappeared
// (raced by a concurrent ack), so the existence signal matters.
func (s *PostgresStore) DeleteInflight(ctx context.Context, queue, region string, shardID int64, queueMessageID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages_inflight
		WHERE queue = $1 AND region = $2 AND shard_id = $3 AND queue_message_id = $4
	`, queue, region, shardID, queueMessageID)
	if err != nil {
		return false, fmt.Errorf("delete inflight: %w", err)
	}
	existed := tag.RowsAffected() > 0
	if existed {
		if err := s.adjustShardCounterNoTx(ctx, queue, region, domain.Inflight, shardID, -1); err != nil {
			return true, err
		}
	}
	return existed, nil
}

func (s *PostgresStore) adjustShardCounterNoTx(ctx context.Context, queue, region string, typ domain.RowType, shardID int64, delta int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shard_counters (queue, region, type, shard_id, counter)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (queue, region, type, shard_id) DO UPDATE SET
			counter = shard_counters.counter + $5
	`, queue, region, string(typ), shardID, delta)
	if err != nil {
		return fmt.Errorf("adjust shard counter: %w", err)
	}
	return nil
}

// CountOfMessageID reports how many rows (available + inflight) reference
// messageId, used to decide whether an ack's body delete is safe (§3
// lifecycle: "deleted after the last inflight row for that messageId is
// removed").
func (s *PostgresStore) CountOfMessageID(ctx context.Context, queue, region string, messageID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM messages_available WHERE queue = $1 AND region = $2 AND message_id = $3) +
			(SELECT count(*) FROM messages_inflight WHERE queue = $1 AND region = $2 AND message_id = $3)
	`, queue, region, messageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count message references: %w", err)
	}
	return n, nil
}

// ExpiredInflight returns INFLIGHT rows whose lease has expired, for the
// sweeper (§4.4).
func (s *PostgresStore) ExpiredInflight(ctx context.Context, queue, region string, olderThan time.Time, limit int) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT shard_id, queue_message_id, message_id, inflight_at, n_returned FROM messages_inflight
		WHERE queue = $1 AND region = $2 AND inflight_at < $3
		ORDER BY inflight_at ASC
		LIMIT $4
	`, queue, region, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("scan expired inflight: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m := domain.Message{Queue: queue, Region: region, Type: domain.Inflight}
		var inflightAt time.Time
		if err := rows.Scan(&m.ShardID, &m.QueueMessageID, &m.MessageID, &inflightAt, &m.NReturned); err != nil {
			return nil, fmt.Errorf("scan inflight row: %w", err)
		}
		m.InflightAt = &inflightAt
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListInflight returns every INFLIGHT row for (queue, region), regardless of
// lease age. A freshly constructed actor has no in-memory record of which
// queueMessageIds it has handed out — that bookkeeping lived in the actor
// instance that failed or was replaced — so it hydrates from this scan
// before serving its first Ack/Nack (§4.2, §4.5 "actor recreation on member
// failure is routine").
func (s *PostgresStore) ListInflight(ctx context.Context, queue, region string) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT shard_id, queue_message_id, message_id, inflight_at, n_returned FROM messages_inflight
		WHERE queue = $1 AND region = $2
	`, queue, region)
	if err != nil {
		return nil, fmt.Errorf("list inflight: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m := domain.Message{Queue: queue, Region: region, Type: domain.Inflight}
		var inflightAt time.Time
		if err := rows.Scan(&m.ShardID, &m.QueueMessageID, &m.MessageID, &inflightAt, &m.NReturned); err != nil {
			return nil, fmt.Errorf("scan inflight row: %w", err)
		}
		m.InflightAt = &inflightAt
		out = append(out, m)
	}
	return out, rows.Err()
}

// RequeueToAvailable is the sweeper/nack path: INFLIGHT→DEFAULT with a
// fresh queueMessageId and incremented nReturned (§4.4). Tolerates the row
// having already been acked: if the inflight delete affected no rows, it
// returns qerrors.Conflict and writes nothing, per §4.4's ordering note.
func (s *PostgresStore) RequeueToAvailable(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, queuedAt time.Time) (*domain.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM messages_inflight
		WHERE queue = $1 AND region = $2 AND shard_id = $3 AND queue_message_id = $4
	`, old.Queue, old.Region, old.ShardID, old.QueueMessageID)
	if err != nil {
		return nil, fmt.Errorf("delete inflight for requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, qerrors.Conflict
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
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages_available (queue, region, shard_id, queue_message_id, message_id, queued_at, n_returned)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, next.Queue, next.Region, next.ShardID, next.QueueMessageID, next.MessageID, next.QueuedAt, next.NReturned); err != nil {
		return nil, fmt.Errorf("insert requeued row: %w", err)
	}

	if err := s.adjustShardCounter(ctx, tx, old.Queue, old.Region, domain.Inflight, old.ShardID, -1); err != nil {
		return nil, err
	}
	if err := s.adjustShardCounter(ctx, tx, old.Queue, old.Region, domain.Default, old.ShardID, 1); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return &next, nil
}

// DeadLetter deletes the inflight row (and its body, if unreferenced
// elsewhere); callers use it when one more redelivery would exceed
// maxRedeliveries, i.e. nReturned+1 > maxRedeliveries (§4.4 step 1).
func (s *PostgresStore) DeadLetter(ctx context.Context, m domain.Message) error {
	existed, err := s.DeleteInflight(ctx, m.Queue, m.Region, m.ShardID, m.QueueMessageID)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	n, err := s.CountOfMessageID(ctx, m.Queue, m.Region, m.MessageID)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.DeleteBody(ctx, m.MessageID)
	}
	return nil
}

// QueueDepth sums shard counters across both row types for a (queue,
// region) — the derived estimate for the "getQueueDepth" open question
// (§9).
func (s *PostgresStore) QueueDepth(ctx context.Context, queue, region string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(counter), 0) FROM shard_counters
		WHERE queue = $1 AND region = $2
	`, queue, region).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return total, nil
}
