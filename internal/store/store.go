package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/domain"
)

// Store is the durable collaborator the queue core depends on: shard
// metadata, message index rows, bodies, and cluster node bookkeeping.
// PostgresStore is the only production implementation; components depend
// on this interface so tests can substitute an in-memory fake.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	SaveQueue(ctx context.Context, q *domain.Queue) error
	GetQueue(ctx context.Context, name string) (*domain.Queue, error)
	DeleteQueue(ctx context.Context, name string) error
	ListQueues(ctx context.Context) ([]*domain.Queue, error)

	LatestShard(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, error)
	ListShardsAscending(ctx context.Context, queue, region string, typ domain.RowType) ([]domain.Shard, error)
	CreateShard(ctx context.Context, sh domain.Shard) error
	ShardCounter(ctx context.Context, queue, region string, typ domain.RowType, shardID int64) (int64, error)

	SaveBody(ctx context.Context, b domain.Body) error
	LoadBody(ctx context.Context, messageID uuid.UUID) (*domain.Body, error)
	DeleteBody(ctx context.Context, messageID uuid.UUID) error
	SweepOrphanedBodies(ctx context.Context, cutoff time.Time) (int, error)

	InsertAvailable(ctx context.Context, m domain.Message) error
	ReadAvailableBatch(ctx context.Context, queue, region string, shardID int64, cursor uuid.UUID, limit int) ([]domain.Message, error)
	MoveToInflight(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, now time.Time) (*domain.Message, error)
	DeleteInflight(ctx context.Context, queue, region string, shardID int64, queueMessageID uuid.UUID) (bool, error)
	CountOfMessageID(ctx context.Context, queue, region string, messageID uuid.UUID) (int, error)
	ExpiredInflight(ctx context.Context, queue, region string, olderThan time.Time, limit int) ([]domain.Message, error)
	ListInflight(ctx context.Context, queue, region string) ([]domain.Message, error)
	RequeueToAvailable(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, queuedAt time.Time) (*domain.Message, error)
	DeadLetter(ctx context.Context, m domain.Message) error
	QueueDepth(ctx context.Context, queue, region string) (int64, error)

	UpsertClusterNode(ctx context.Context, id string, data json.RawMessage, heartbeat time.Time) error
	UpdateClusterNodeHeartbeat(ctx context.Context, id string, at time.Time) error
	GetClusterNode(ctx context.Context, id string) (*ClusterNodeRecord, error)
	ListActiveClusterNodes(ctx context.Context, cutoff time.Time) ([]*ClusterNodeRecord, error)
	DeleteClusterNode(ctx context.Context, id string) error
}

var _ Store = (*PostgresStore)(nil)
