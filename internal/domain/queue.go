// Package domain holds Qakka's persisted and in-memory record types: the
// queue configuration, shard metadata, message index rows, and the
// lightweight descriptor handed to consumers.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/qid"
)

// RowType distinguishes the two lifecycle states a message index row can
// be in, and the two column families a Shard partitions (§3, §6).
type RowType string

const (
	Default  RowType = "DEFAULT"
	Inflight RowType = "INFLIGHT"
)

// Queue is immutable config created once by an admin call; deletion is the
// only other lifecycle event (§3 Lifecycle).
type Queue struct {
	Name            string        `json:"name" yaml:"name"`
	DefaultType     RowType       `json:"default_type" yaml:"default_type"`
	LocalRegion     string        `json:"local_region" yaml:"local_region"`
	OriginRegion    string        `json:"origin_region" yaml:"origin_region"`
	DelayMs         int64         `json:"delay_ms" yaml:"delay_ms"`
	LeaseSeconds    int           `json:"lease_seconds" yaml:"lease_seconds"`
	MaxRedeliveries int           `json:"max_redeliveries" yaml:"max_redeliveries"`
	RegionSet       []string      `json:"region_set" yaml:"region_set"`
	MaxShardSize    int64         `json:"max_shard_size" yaml:"max_shard_size"`
	RefreshBatch    int           `json:"refresh_batch" yaml:"refresh_batch"`
	BufferTarget    int           `json:"buffer_target" yaml:"buffer_target"`
	CreatedAt       time.Time     `json:"created_at" yaml:"-"`
}

// Lease returns the queue's lease window as a time.Duration.
func (q *Queue) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// Shard is a time-bounded partition of a queue's messages for one region
// and row type (§3). Created by the allocator, never mutated, deleted only
// on queue delete.
type Shard struct {
	Queue   string    `json:"queue"`
	Region  string    `json:"region"`
	Type    RowType   `json:"type"`
	ShardID int64     `json:"shard_id"`
	Pivot   uuid.UUID `json:"pivot"`
}

// PivotTime returns the instant embedded in the shard's pivot time-UUID.
func (s Shard) PivotTime() time.Time {
	return qid.Time(s.Pivot)
}

// Message is the durable index row for one delivery attempt of a payload
// (§3 DatabaseQueueMessage). queueMessageId identifies this attempt;
// messageId is stable across redeliveries.
type Message struct {
	QueueMessageID uuid.UUID  `json:"queue_message_id"`
	MessageID      uuid.UUID  `json:"message_id"`
	Queue          string     `json:"queue"`
	Region         string     `json:"region"`
	Type           RowType    `json:"type"`
	ShardID        int64      `json:"shard_id"`
	QueuedAt       time.Time  `json:"queued_at"`
	InflightAt     *time.Time `json:"inflight_at,omitempty"`
	NReturned      int        `json:"n_returned"`
}

// Body is the opaque payload, written once before its index row and
// deleted once the last inflight row referencing its messageId is removed
// (§3 DatabaseQueueMessageBody).
type Body struct {
	MessageID   uuid.UUID `json:"message_id"`
	Blob        []byte    `json:"blob"`
	ContentType string    `json:"content_type"`
	// Locator is non-empty when Blob was spilled to overflow storage
	// (internal/blobstore) instead of being stored inline; Blob is empty
	// in that case and must be fetched by Locator.
	Locator string `json:"locator,omitempty"`
}

// Descriptor is what getNextMessages (§6) returns to a consumer: enough to
// ack/nack and to separately fetch the payload by messageId.
type Descriptor struct {
	QueueMessageID uuid.UUID `json:"queue_message_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Queue          string    `json:"queue"`
	Region         string    `json:"region"`
	NReturned      int       `json:"n_returned"`
}
