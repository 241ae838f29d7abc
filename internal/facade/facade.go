// Package facade implements the distributed queue facade (§4.5): the
// entry points sendMessageToRegion, getNextMessages, loadMessageData,
// ackMessage, createQueue, deleteQueue, and refresh, plus the routing
// decisions between a local write and a forward to a peer region.
package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/actor"
	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/logging"
	"github.com/qakka/qakka/internal/notify"
	"github.com/qakka/qakka/internal/observability"
	"github.com/qakka/qakka/internal/qerrors"
	"github.com/qakka/qakka/internal/qid"
)

// Store is the subset of store.Store the facade depends on directly, plus
// everything the actors it creates need (embedded from actor.Store).
type Store interface {
	actor.Store

	SaveQueue(ctx context.Context, q *domain.Queue) error
	GetQueue(ctx context.Context, name string) (*domain.Queue, error)
	DeleteQueue(ctx context.Context, name string) error
	CreateShard(ctx context.Context, sh domain.Shard) error
	InsertAvailable(ctx context.Context, m domain.Message) error
	SaveBody(ctx context.Context, b domain.Body) error
	LoadBody(ctx context.Context, messageID uuid.UUID) (*domain.Body, error)
}

// BlobStore overflows message bodies above an inline-size threshold to
// external storage (internal/blobstore.S3Store in production).
type BlobStore interface {
	Put(ctx context.Context, key string, blob []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PeerTransport forwards a send to a peer process hosting destRegion
// (§4.5 "Send routing").
type PeerTransport interface {
	Forward(ctx context.Context, peerAddr string, req ForwardRequest) error
}

// ActorHome resolves which cluster member owns the queue actor for
// (queue, region) — the consistent-assignment requirement of §4.5 and
// §11.1. Satisfied by a thin adapter over internal/cluster.Scheduler in
// cmd/qakkad; nil disables the placement check (single-member
// deployments, where this process always hosts every actor it's asked
// about).
type ActorHome interface {
	// SelectActorHome returns the owning node's ID and forwarding address.
	// ok is false when no healthy member is available for region.
	SelectActorHome(queue, region string) (nodeID, addr string, ok bool, err error)
}

// ActorTransport forwards a Get/Ack/Nack/Refresh to the peer that
// ActorHome named as the owner of (queue, region), when it isn't this
// process (§4.5, §11.1).
type ActorTransport interface {
	Forward(ctx context.Context, peerAddr string, req ActorRequest) (ActorResponse, error)
}

// ActorRequest is the wire payload ActorTransport.Forward sends; the
// receiving peer's ActorHandler replays it against its own local actor.
type ActorRequest struct {
	Op             string    `json:"op"` // "getnext" | "ack" | "nack" | "refresh"
	Queue          string    `json:"queue"`
	N              int       `json:"n,omitempty"`
	QueueMessageID uuid.UUID `json:"queue_message_id,omitempty"`
}

// ActorResponse carries the result of a forwarded actor op back to the
// caller.
type ActorResponse struct {
	Descriptors []domain.Descriptor `json:"descriptors,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// ForwardRequest is the wire payload a peer's HTTP handler decodes and
// replays as a local SendMessageToRegion call.
type ForwardRequest struct {
	Queue       string    `json:"queue"`
	SrcRegion   string    `json:"src_region"`
	DestRegion  string    `json:"dest_region"`
	MessageID   uuid.UUID `json:"message_id"`
	Blob        []byte    `json:"blob"`
	ContentType string    `json:"content_type"`
	DelayMs     int64     `json:"delay_ms"`
}

// Config bundles a facade's collaborators.
type Config struct {
	Store          Store
	BlobStore      BlobStore // optional; nil disables overflow
	Notifier       notify.Notifier
	Checker        actor.ShardChecker // forwarded to every actor this facade creates
	Metrics        actor.Metrics
	LocalRegion    string
	NodeID         string // this process's cluster node ID; only meaningful alongside ActorHome
	Peers          map[string]string // region -> peer base address, for cross-region sends
	Transport      PeerTransport
	ActorHome      ActorHome      // optional; nil means this process always hosts every actor
	ActorTransport ActorTransport // required when ActorHome is set
	InlineLimit    int            // bodies larger than this (bytes) overflow to BlobStore; 0 disables overflow
}

// Facade is the single entry point a process exposes for its localRegion:
// it owns lazily-created queue actors for that region and routes sends
// either to a local write or to a peer over Transport, and routes
// Get/Ack/Nack/Refresh either to a local actor or to whichever member
// ActorHome names as the owner.
type Facade struct {
	store          Store
	blobStore      BlobStore
	notifier       notify.Notifier
	checker        actor.ShardChecker
	metrics        actor.Metrics
	localRegion    string
	nodeID         string
	peers          map[string]string
	transport      PeerTransport
	actorHome      ActorHome
	actorTransport ActorTransport
	inlineLimit    int

	mu     sync.Mutex
	actors map[string]*actor.Actor // queue name -> actor for (queue, localRegion)
}

// New creates a facade bound to cfg.LocalRegion.
func New(cfg Config) *Facade {
	return &Facade{
		store:          cfg.Store,
		blobStore:      cfg.BlobStore,
		notifier:       cfg.Notifier,
		checker:        cfg.Checker,
		metrics:        cfg.Metrics,
		localRegion:    cfg.LocalRegion,
		nodeID:         cfg.NodeID,
		peers:          cfg.Peers,
		transport:      cfg.Transport,
		actorHome:      cfg.ActorHome,
		actorTransport: cfg.ActorTransport,
		inlineLimit:    cfg.InlineLimit,
		actors:         make(map[string]*actor.Actor),
	}
}

// CreateQueue persists q and allocates shard 0 for each region it spans,
// for both row types, so the allocator never has to special-case "no
// shards yet" (§4.1 edge cases: "shard-0 is created at queue-create time").
func (f *Facade) CreateQueue(ctx context.Context, q *domain.Queue) error {
	if q.Name == "" {
		return fmt.Errorf("%w: queue name is required", qerrors.Fatal)
	}
	if err := f.store.SaveQueue(ctx, q); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}

	regions := q.RegionSet
	if len(regions) == 0 {
		regions = []string{f.localRegion}
	}
	now, err := qid.Now()
	if err != nil {
		return err
	}
	for _, region := range regions {
		for _, typ := range []domain.RowType{domain.Default, domain.Inflight} {
			sh := domain.Shard{Queue: q.Name, Region: region, Type: typ, ShardID: 0, Pivot: now}
			if err := f.store.CreateShard(ctx, sh); err != nil {
				return fmt.Errorf("create shard 0 for region %s type %s: %w", region, typ, err)
			}
		}
	}
	logging.Op().Info("queue created", "queue", q.Name, "regions", regions)
	return nil
}

// DeleteQueue stops any actor this process hosts for name and cascades the
// delete to storage.
func (f *Facade) DeleteQueue(ctx context.Context, name string) error {
	f.mu.Lock()
	if a, ok := f.actors[name]; ok {
		a.Close()
		delete(f.actors, name)
	}
	f.mu.Unlock()

	if err := f.store.DeleteQueue(ctx, name); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	logging.Op().Info("queue deleted", "queue", name)
	return nil
}

// SendMessageToRegion routes a send either to a local write (destRegion ==
// localRegion) or forwards it to a peer hosting destRegion (§4.5 "Send
// routing").
func (f *Facade) SendMessageToRegion(ctx context.Context, queue, srcRegion, destRegion string, messageID uuid.UUID, blob []byte, contentType string, delayMs int64) error {
	ctx, span := observability.StartSpan(ctx, "facade.SendMessageToRegion",
		observability.AttrQueue.String(queue),
		observability.AttrRegion.String(destRegion),
		observability.AttrMessageID.String(messageID.String()))
	defer span.End()

	if destRegion == f.localRegion {
		err := f.writeLocal(ctx, queue, destRegion, messageID, blob, contentType, delayMs)
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		return err
	}

	peerAddr, ok := f.peers[destRegion]
	if !ok || f.transport == nil {
		err := fmt.Errorf("%w: no peer configured for region %s", qerrors.Fatal, destRegion)
		observability.SetSpanError(span, err)
		return err
	}
	err := f.transport.Forward(ctx, peerAddr, ForwardRequest{
		Queue: queue, SrcRegion: srcRegion, DestRegion: destRegion,
		MessageID: messageID, Blob: blob, ContentType: contentType, DelayMs: delayMs,
	})
	if err != nil {
		observability.SetSpanError(span, fmt.Errorf("forward to %s: %w", destRegion, err))
		return fmt.Errorf("forward to region %s: %w", destRegion, err)
	}
	observability.SetSpanOK(span)
	return nil
}

func (f *Facade) writeLocal(ctx context.Context, queue, region string, messageID uuid.UUID, blob []byte, contentType string, delayMs int64) error {
	body := domain.Body{MessageID: messageID, ContentType: contentType}
	if f.blobStore != nil && f.inlineLimit > 0 && len(blob) > f.inlineLimit {
		key := messageID.String()
		if err := f.blobStore.Put(ctx, key, blob, contentType); err != nil {
			return fmt.Errorf("overflow body to blobstore: %w", err)
		}
		body.Locator = key
	} else {
		body.Blob = blob
	}
	if err := f.store.SaveBody(ctx, body); err != nil {
		return fmt.Errorf("save body: %w", err)
	}

	shards, err := f.store.ListShardsAscending(ctx, queue, region, domain.Default)
	if err != nil {
		return fmt.Errorf("list shards: %w", err)
	}
	now := time.Now()
	nowID, err := qid.Now()
	if err != nil {
		return err
	}
	sh, ok := activeShard(shards, nowID)
	if !ok {
		return fmt.Errorf("%w: no active shard for queue %s region %s", qerrors.Fatal, queue, region)
	}

	stamp := now
	if delayMs > 0 {
		stamp = now.Add(time.Duration(delayMs) * time.Millisecond)
	}
	queueMessageID, err := qid.New(stamp)
	if err != nil {
		return err
	}

	if err := f.store.InsertAvailable(ctx, domain.Message{
		QueueMessageID: queueMessageID,
		MessageID:      messageID,
		Queue:          queue,
		Region:         region,
		Type:           domain.Default,
		ShardID:        sh.ShardID,
		QueuedAt:       now,
	}); err != nil {
		return fmt.Errorf("insert available: %w", err)
	}

	if f.notifier != nil {
		if err := f.notifier.Notify(ctx, notify.Key{Queue: queue, Region: region}); err != nil {
			logging.Op().Warn("notify after send failed", "queue", queue, "region", region, "error", err)
		}
	}
	return nil
}

// activeShard picks the highest-shardId shard (shards is ascending) whose
// pivot is not after now — the shard a fresh send belongs in.
func activeShard(shards []domain.Shard, now uuid.UUID) (domain.Shard, bool) {
	var best domain.Shard
	found := false
	for _, sh := range shards {
		if qid.Before(now, sh.Pivot) {
			continue
		}
		best = sh
		found = true
	}
	return best, found
}

// GetNextMessages returns up to n descriptors from queue's actor, wherever
// in the cluster it lives (§4.5 "Get routing").
func (f *Facade) GetNextMessages(ctx context.Context, queue string, n int) ([]domain.Descriptor, error) {
	peerAddr, isLocal, err := f.resolveHome(queue)
	if err != nil {
		return nil, err
	}
	if !isLocal {
		resp, err := f.forwardActorOp(ctx, peerAddr, ActorRequest{Op: "getnext", Queue: queue, N: n})
		if err != nil {
			return nil, err
		}
		return resp.Descriptors, nil
	}

	a, err := f.actorFor(ctx, queue)
	if err != nil {
		if qerrors.Is(err, qerrors.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return a.GetNext(ctx, n)
}

// LoadMessageData fetches a payload by messageId, resolving an overflow
// locator through BlobStore when present.
func (f *Facade) LoadMessageData(ctx context.Context, messageID uuid.UUID) (*domain.Body, error) {
	body, err := f.store.LoadBody(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if body.Locator != "" {
		if f.blobStore == nil {
			return nil, fmt.Errorf("%w: body %s has overflow locator but no blobstore configured", qerrors.Fatal, messageID)
		}
		blob, err := f.blobStore.Get(ctx, body.Locator)
		if err != nil {
			return nil, fmt.Errorf("fetch overflow body: %w", err)
		}
		body.Blob = blob
	}
	return body, nil
}

// AckMessage acks queueMessageID on queue's actor, wherever it lives; an
// unknown id is a no-op (§7 "ack on unknown id is a no-op").
func (f *Facade) AckMessage(ctx context.Context, queue string, queueMessageID uuid.UUID) error {
	peerAddr, isLocal, err := f.resolveHome(queue)
	if err != nil {
		return err
	}
	if !isLocal {
		_, err := f.forwardActorOp(ctx, peerAddr, ActorRequest{Op: "ack", Queue: queue, QueueMessageID: queueMessageID})
		return err
	}

	a, err := f.actorFor(ctx, queue)
	if err != nil {
		if qerrors.Is(err, qerrors.NotFound) {
			return nil
		}
		return err
	}
	if err := a.Ack(ctx, queueMessageID); err != nil {
		if qerrors.Is(err, qerrors.NotFound) {
			return nil
		}
		return err
	}
	return nil
}

// NackMessage nacks queueMessageID on queue's actor, wherever it lives.
func (f *Facade) NackMessage(ctx context.Context, queue string, queueMessageID uuid.UUID) error {
	peerAddr, isLocal, err := f.resolveHome(queue)
	if err != nil {
		return err
	}
	if !isLocal {
		_, err := f.forwardActorOp(ctx, peerAddr, ActorRequest{Op: "nack", Queue: queue, QueueMessageID: queueMessageID})
		return err
	}

	a, err := f.actorFor(ctx, queue)
	if err != nil {
		if qerrors.Is(err, qerrors.NotFound) {
			return nil
		}
		return err
	}
	return a.Nack(ctx, queueMessageID)
}

// Refresh is the operator/test hook that forces an immediate refresh of
// queue's actor, wherever it lives (§4.5).
func (f *Facade) Refresh(ctx context.Context, queue string) error {
	peerAddr, isLocal, err := f.resolveHome(queue)
	if err != nil {
		return err
	}
	if !isLocal {
		_, err := f.forwardActorOp(ctx, peerAddr, ActorRequest{Op: "refresh", Queue: queue})
		return err
	}

	a, err := f.actorFor(ctx, queue)
	if err != nil {
		return err
	}
	return a.Refresh(ctx)
}

// resolveHome decides whether this process should host queue's actor.
// isLocal is always true when actorHome is nil (single-member mode). When
// actorHome is set but names this node as the owner, isLocal is also true.
// Otherwise peerAddr is the owner's forwarding address (§4.5, §11.1).
func (f *Facade) resolveHome(queue string) (peerAddr string, isLocal bool, err error) {
	if f.actorHome == nil {
		return "", true, nil
	}
	nodeID, addr, ok, err := f.actorHome.SelectActorHome(queue, f.localRegion)
	if err != nil {
		return "", false, fmt.Errorf("select actor home: %w", err)
	}
	if !ok || nodeID == f.nodeID {
		return "", true, nil
	}
	return addr, false, nil
}

// forwardActorOp sends req to peerAddr over actorTransport and unwraps its
// result, surfacing the peer's reported error as a local one.
func (f *Facade) forwardActorOp(ctx context.Context, peerAddr string, req ActorRequest) (ActorResponse, error) {
	if f.actorTransport == nil {
		return ActorResponse{}, fmt.Errorf("%w: no actor transport configured to forward %s to %s", qerrors.Fatal, req.Op, peerAddr)
	}
	resp, err := f.actorTransport.Forward(ctx, peerAddr, req)
	if err != nil {
		return ActorResponse{}, fmt.Errorf("forward actor op %s to %s: %w", req.Op, peerAddr, err)
	}
	if resp.Error != "" {
		return ActorResponse{}, errors.New(resp.Error)
	}
	return resp, nil
}

// actorFor returns the (queue, localRegion) actor, creating it on first
// use (§5 "Resource lifecycle": actors acquired on first use for a queue).
// Callers that need to respect cluster placement must go through
// resolveHome first; actorFor itself always creates a local actor, which
// is also what ActorHandler relies on when replaying a forwarded op.
func (f *Facade) actorFor(ctx context.Context, queue string) (*actor.Actor, error) {
	f.mu.Lock()
	if a, ok := f.actors[queue]; ok {
		f.mu.Unlock()
		return a, nil
	}
	f.mu.Unlock()

	q, err := f.store.GetQueue(ctx, queue)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.actors[queue]; ok {
		return a, nil
	}
	a := actor.New(q, f.localRegion, actor.Config{
		Store:    f.store,
		Notifier: f.notifier,
		Checker:  f.checker,
		Metrics:  f.metrics,
	})
	f.actors[queue] = a
	return a, nil
}

// Close stops every actor this facade has created.
func (f *Facade) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, a := range f.actors {
		a.Close()
		delete(f.actors, name)
	}
}
