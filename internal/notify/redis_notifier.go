package notify

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "qakka:notify:"

// RedisNotifier is a distributed, Redis-backed notifier using
// PUBLISH/SUBSCRIBE to broadcast wake-up signals across every qakkad
// process. Every subscriber hears every signal — appropriate for the
// allocator and sweeper, where each process runs its own copy and any of
// them waking up early is harmless (§4.1, §4.4 are both fire-and-forget,
// idempotent ticks).
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[Key][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		subs:   make(map[Key][]*redisSub),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, key Key) error {
	channel := redisChannelPrefix + key.Queue + ":" + key.Region
	return n.client.Publish(ctx, channel, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, key Key) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}

	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[key] = append(n.subs[key], rs)
	n.mu.Unlock()

	channel := redisChannelPrefix + key.Queue + ":" + key.Region
	pubsub := n.client.Subscribe(subCtx, channel)

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(key, rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			close(s.ch)
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(key Key, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[key]
	for i, s := range subs {
		if s == target {
			n.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
