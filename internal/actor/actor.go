// Package actor implements the queue actor (§4.2): exactly one instance per
// (queue, localRegion), single-threaded cooperative, processing Refresh,
// GetNext, Ack, Nack, and ShardCheckRequest one at a time from a mailbox.
package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/buffer"
	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/logging"
	"github.com/qakka/qakka/internal/notify"
	"github.com/qakka/qakka/internal/observability"
	"github.com/qakka/qakka/internal/qerrors"
	"github.com/qakka/qakka/internal/qid"
)

// Store is the subset of store.Store the actor depends on.
type Store interface {
	ListShardsAscending(ctx context.Context, queue, region string, typ domain.RowType) ([]domain.Shard, error)
	ReadAvailableBatch(ctx context.Context, queue, region string, shardID int64, cursor uuid.UUID, limit int) ([]domain.Message, error)
	MoveToInflight(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, now time.Time) (*domain.Message, error)
	DeleteInflight(ctx context.Context, queue, region string, shardID int64, queueMessageID uuid.UUID) (bool, error)
	CountOfMessageID(ctx context.Context, queue, region string, messageID uuid.UUID) (int, error)
	RequeueToAvailable(ctx context.Context, old domain.Message, newQueueMessageID uuid.UUID, queuedAt time.Time) (*domain.Message, error)
	DeadLetter(ctx context.Context, m domain.Message) error
	DeleteBody(ctx context.Context, messageID uuid.UUID) error
	ListInflight(ctx context.Context, queue, region string) ([]domain.Message, error)
}

// ShardChecker forwards ShardCheckRequest to the allocator (§4.1).
type ShardChecker interface {
	Tick(ctx context.Context, q *domain.Queue, region string)
}

// Metrics records the actor's observable counters; satisfied by
// internal/metrics.
type Metrics interface {
	RecordRedelivery(queue, region string)
	RecordDeadLetter(queue, region string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRedelivery(string, string) {}
func (noopMetrics) RecordDeadLetter(string, string) {}

// request is one mailbox entry; reply carries the result back to the caller
// that's blocked waiting on it. Single-threaded processing of requests is
// what gives invariant A1 (at most one refresh in flight).
type request struct {
	kind    string
	n       int
	id      uuid.UUID
	ctx     context.Context
	replyCh chan response
}

type response struct {
	descriptors []domain.Descriptor
	err         error
}

// cursor tracks where Refresh left off reading a shard, so the next Refresh
// resumes rather than re-reading from the start (§4.2 step 2, "queue_message_id
// ≥ the per-shard cursor").
type cursor struct {
	shardID int64
	last    uuid.UUID
	has     bool
}

// Actor owns the in-memory buffer and all mutation of its (queue,
// localRegion)'s message index rows. Every public method sends a request
// onto a single channel and blocks for the reply; the run loop processes
// exactly one request at a time.
type Actor struct {
	queue  *domain.Queue
	region string

	store    Store
	buffer   *buffer.Buffer
	notifier notify.Notifier
	checker  ShardChecker
	metrics  Metrics

	mailbox chan request
	done    chan struct{}

	cursors     map[int64]cursor            // last-read cursor per DEFAULT shard
	outstanding map[uuid.UUID]inflightEntry // shardID/messageID/nReturned for every handed-out, not-yet-resolved descriptor
	hydrated    bool                        // whether outstanding has been loaded from messages_inflight yet
}

// Config bundles the collaborators a new actor needs beyond its queue and
// region; RefreshBatch and BufferTarget are read from the queue itself.
type Config struct {
	Store    Store
	Notifier notify.Notifier
	Checker  ShardChecker
	Metrics  Metrics
}

// New creates and starts an actor for (q.Name, region). Callers own the
// returned Actor's lifecycle and must call Close when done.
func New(q *domain.Queue, region string, cfg Config) *Actor {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewNoopNotifier()
	}
	a := &Actor{
		queue:    q,
		region:   region,
		store:    cfg.Store,
		buffer:   buffer.New(q.BufferTarget),
		notifier: notifier,
		checker:  cfg.Checker,
		metrics:  metrics,
		mailbox:     make(chan request),
		done:        make(chan struct{}),
		cursors:     make(map[int64]cursor),
		outstanding: make(map[uuid.UUID]inflightEntry),
	}
	go a.run()
	return a
}

// Close stops the actor's run loop. Pending requests in flight at the time
// of Close receive an error reply.
func (a *Actor) Close() {
	close(a.done)
}

func (a *Actor) run() {
	for {
		select {
		case <-a.done:
			return
		case req := <-a.mailbox:
			req.replyCh <- a.handle(req)
		}
	}
}

func (a *Actor) send(ctx context.Context, kind string, n int, id uuid.UUID) response {
	replyCh := make(chan response, 1)
	req := request{kind: kind, n: n, id: id, ctx: ctx, replyCh: replyCh}
	select {
	case a.mailbox <- req:
	case <-a.done:
		return response{err: fmt.Errorf("actor closed")}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
	select {
	case resp := <-replyCh:
		return resp
	case <-a.done:
		return response{err: fmt.Errorf("actor closed")}
	}
}

func (a *Actor) handle(req request) response {
	if err := a.ensureHydrated(req.ctx); err != nil {
		return response{err: fmt.Errorf("hydrate outstanding: %w", err)}
	}
	switch req.kind {
	case "refresh":
		err := a.refresh(req.ctx)
		return response{err: err}
	case "getnext":
		return response{descriptors: a.buffer.PollUpTo(req.n)}
	case "ack":
		return response{err: a.ack(req.ctx, req.id)}
	case "nack":
		return response{err: a.nack(req.ctx, req.id)}
	case "shardcheck":
		if a.checker != nil {
			a.checker.Tick(req.ctx, a.queue, a.region)
		}
		return response{}
	default:
		return response{err: fmt.Errorf("unknown actor request kind %q", req.kind)}
	}
}

// ensureHydrated loads outstanding from messages_inflight the first time
// this actor instance handles any request. A new Actor starts with an empty
// outstanding map, but the rows it's responsible for may already be
// INFLIGHT from a prior instance of this same (queue, region) actor that
// died and was recreated (§4.5) — without this, Ack/Nack for a
// queueMessageId handed out before the restart would miss in shardIDFor and
// be dropped as qerrors.NotFound instead of clearing the durable row.
func (a *Actor) ensureHydrated(ctx context.Context) error {
	if a.hydrated {
		return nil
	}
	rows, err := a.store.ListInflight(ctx, a.queue.Name, a.region)
	if err != nil {
		return fmt.Errorf("list inflight: %w", err)
	}
	for _, m := range rows {
		a.outstanding[m.QueueMessageID] = inflightEntry{
			shardID:   m.ShardID,
			messageID: m.MessageID,
			nReturned: m.NReturned,
		}
	}
	a.hydrated = true
	return nil
}

// Refresh pulls more rows from storage into the buffer if it's below the
// low watermark (§4.2 Refresh). One call lists the DEFAULT shards and then
// reads and moves rows one at a time, so it spans several storage round
// trips; invariant A1 holds because the run loop serializes this against
// every other request kind.
func (a *Actor) Refresh(ctx context.Context) error {
	resp := a.send(ctx, "refresh", 0, uuid.Nil)
	return resp.err
}

// GetNext returns up to n descriptors from the head of the buffer, never
// blocking on storage (§4.2 GetNext).
func (a *Actor) GetNext(ctx context.Context, n int) ([]domain.Descriptor, error) {
	resp := a.send(ctx, "getnext", n, uuid.Nil)
	return resp.descriptors, resp.err
}

// Ack deletes the INFLIGHT row for queueMessageID and, if it was the last
// reference to its messageId, deletes the body (§4.2 Ack).
func (a *Actor) Ack(ctx context.Context, queueMessageID uuid.UUID) error {
	resp := a.send(ctx, "ack", 0, queueMessageID)
	return resp.err
}

// Nack transitions queueMessageID from INFLIGHT back to DEFAULT with a new
// queueMessageId and incremented nReturned, or dead-letters it if
// maxRedeliveries is exceeded (§4.2 Nack).
func (a *Actor) Nack(ctx context.Context, queueMessageID uuid.UUID) error {
	resp := a.send(ctx, "nack", 0, queueMessageID)
	return resp.err
}

// ShardCheckRequest forwards to the allocator tick logic (§4.2, §4.1).
func (a *Actor) ShardCheckRequest(ctx context.Context) error {
	resp := a.send(ctx, "shardcheck", 0, uuid.Nil)
	return resp.err
}

func (a *Actor) refresh(ctx context.Context) error {
	lowWatermark := a.queue.BufferTarget - a.queue.RefreshBatch
	if lowWatermark < 0 {
		lowWatermark = 0
	}
	if a.buffer.Size() >= lowWatermark && a.buffer.Size() > 0 {
		return nil
	}
	budget := a.buffer.Room()
	if budget <= 0 {
		return nil
	}
	if budget > a.queue.RefreshBatch {
		budget = a.queue.RefreshBatch
	}

	ctx, span := observability.StartSpan(ctx, "actor.Refresh",
		observability.AttrQueue.String(a.queue.Name),
		observability.AttrRegion.String(a.region),
		observability.AttrBatchSize.Int(budget))
	defer span.End()

	shards, err := a.store.ListShardsAscending(ctx, a.queue.Name, a.region, domain.Default)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("list default shards: %w", err)
	}
	now, err := qid.Now()
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}

	var gathered []domain.Descriptor
	for _, sh := range shards {
		if budget <= 0 {
			break
		}
		if qid.Before(now, sh.Pivot) {
			// Shard's pivot is still in the future; not active yet.
			continue
		}

		cur, ok := a.cursors[sh.ShardID]
		start := uuid.Nil
		if ok {
			start = cur.last
		}

		rows, err := a.store.ReadAvailableBatch(ctx, a.queue.Name, a.region, sh.ShardID, start, budget)
		if err != nil {
			observability.SetSpanError(span, err)
			return fmt.Errorf("read available batch shard %d: %w", sh.ShardID, err)
		}
		for _, row := range rows {
			newID, err := qid.Now()
			if err != nil {
				observability.SetSpanError(span, err)
				return err
			}
			moved, err := a.store.MoveToInflight(ctx, row, newID, time.Now())
			if err != nil {
				if qerrors.Is(err, qerrors.Conflict) {
					continue
				}
				observability.SetSpanError(span, err)
				return fmt.Errorf("move to inflight: %w", err)
			}
			gathered = append(gathered, domain.Descriptor{
				QueueMessageID: moved.QueueMessageID,
				MessageID:      moved.MessageID,
				Queue:          a.queue.Name,
				Region:         a.region,
				NReturned:      moved.NReturned,
			})
			a.outstanding[moved.QueueMessageID] = inflightEntry{
				shardID:   sh.ShardID,
				messageID: moved.MessageID,
				nReturned: moved.NReturned,
			}
			budget--
			a.cursors[sh.ShardID] = cursor{shardID: sh.ShardID, last: row.QueueMessageID, has: true}
			if budget <= 0 {
				break
			}
		}
	}

	a.buffer.Append(gathered)
	observability.SetSpanOK(span)
	return nil
}

func (a *Actor) ack(ctx context.Context, queueMessageID uuid.UUID) error {
	// The buffer only ever held a copy of the descriptor; the caller does
	// not carry the shardId, so the durable delete takes it from the
	// actor's outstanding index.
	shardID, ok := a.shardIDFor(queueMessageID)
	if !ok {
		return qerrors.NotFound
	}
	ctx, span := observability.StartSpan(ctx, "actor.Ack",
		observability.AttrQueue.String(a.queue.Name),
		observability.AttrRegion.String(a.region),
		observability.AttrQueueMessageID.String(queueMessageID.String()))
	defer span.End()

	existed, err := a.store.DeleteInflight(ctx, a.queue.Name, a.region, shardID, queueMessageID)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("delete inflight: %w", err)
	}
	if !existed {
		return nil
	}
	msgID, hasMsgID := a.messageIDFor(queueMessageID)
	delete(a.inflightIndex(), queueMessageID)
	if hasMsgID {
		n, err := a.store.CountOfMessageID(ctx, a.queue.Name, a.region, msgID)
		if err != nil {
			observability.SetSpanError(span, err)
			return fmt.Errorf("count message references: %w", err)
		}
		if n == 0 {
			if err := a.store.DeleteBody(ctx, msgID); err != nil {
				observability.SetSpanError(span, err)
				return fmt.Errorf("delete body: %w", err)
			}
		}
	}
	observability.SetSpanOK(span)
	return nil
}

func (a *Actor) nack(ctx context.Context, queueMessageID uuid.UUID) error {
	shardID, ok := a.shardIDFor(queueMessageID)
	if !ok {
		return qerrors.NotFound
	}
	msgID, _ := a.messageIDFor(queueMessageID)
	nReturned, _ := a.nReturnedFor(queueMessageID)

	old := domain.Message{
		Queue:          a.queue.Name,
		Region:         a.region,
		Type:           domain.Inflight,
		ShardID:        shardID,
		QueueMessageID: queueMessageID,
		MessageID:      msgID,
		NReturned:      nReturned,
	}

	ctx, span := observability.StartSpan(ctx, "actor.Nack",
		observability.AttrQueue.String(a.queue.Name),
		observability.AttrRegion.String(a.region),
		observability.AttrQueueMessageID.String(queueMessageID.String()),
		observability.AttrNReturned.Int(nReturned))
	defer span.End()

	if nReturned+1 > a.queue.MaxRedeliveries {
		if err := a.store.DeadLetter(ctx, old); err != nil {
			observability.SetSpanError(span, err)
			return fmt.Errorf("dead-letter: %w", err)
		}
		delete(a.inflightIndex(), queueMessageID)
		a.metrics.RecordDeadLetter(a.queue.Name, a.region)
		observability.SetSpanOK(span)
		return nil
	}

	newID, err := qid.Now()
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	if _, err := a.store.RequeueToAvailable(ctx, old, newID, time.Now()); err != nil {
		if qerrors.Is(err, qerrors.Conflict) {
			// Raced by a concurrent ack for the same row; nothing to do.
			return nil
		}
		observability.SetSpanError(span, err)
		return fmt.Errorf("requeue to available: %w", err)
	}
	delete(a.inflightIndex(), queueMessageID)
	a.metrics.RecordRedelivery(a.queue.Name, a.region)
	observability.SetSpanOK(span)

	if err := a.notifier.Notify(ctx, notify.Key{Queue: a.queue.Name, Region: a.region}); err != nil {
		logging.Op().Warn("notify after nack failed", "queue", a.queue.Name, "region", a.region, "error", err)
	}
	return nil
}

// shardIDFor, messageIDFor, and nReturnedFor resolve bookkeeping the caller
// of Ack/Nack doesn't carry (it only has the queueMessageId handed out by
// GetNext). The actor tracks the shard, messageId, and nReturned for every
// descriptor it has handed out but not yet resolved, indexed by
// queueMessageId; refresh adds an entry for each row it moves to INFLIGHT,
// and ensureHydrated loads the entries already in messages_inflight.
func (a *Actor) shardIDFor(id uuid.UUID) (int64, bool) {
	idx, ok := a.inflightIndex()[id]
	if !ok {
		return 0, false
	}
	return idx.shardID, true
}

func (a *Actor) messageIDFor(id uuid.UUID) (uuid.UUID, bool) {
	idx, ok := a.inflightIndex()[id]
	if !ok {
		return uuid.Nil, false
	}
	return idx.messageID, true
}

func (a *Actor) nReturnedFor(id uuid.UUID) (int, bool) {
	idx, ok := a.inflightIndex()[id]
	if !ok {
		return 0, false
	}
	return idx.nReturned, true
}

func (a *Actor) inflightIndex() map[uuid.UUID]inflightEntry {
	return a.outstanding
}

type inflightEntry struct {
	shardID   int64
	messageID uuid.UUID
	nReturned int
}
