package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisListPrefix = "qakka:notify:list:"

// RedisListNotifier is a distributed, Redis-backed notifier that uses
// LPUSH/BRPOP instead of PUBLISH/SUBSCRIBE.
//
// Advantages over pure Pub/Sub:
//   - No signal loss: Redis lists persist a signal even when no consumer is
//     currently listening.
//   - Natural load balancing: BRPOP delivers each signal to exactly one
//     consumer. This is the right choice for waking a queue actor, since
//     exactly one actor owns a given (queue, region) and a second wakeup
//     would just be a wasted no-op Refresh.
//
// Each subscriber goroutine blocks on BRPOP with a short timeout, giving
// near-zero latency delivery while periodically allowing context
// cancellation checks.
type RedisListNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[Key][]*redisListSub
	closed bool
}

type redisListSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisListNotifier(client *redis.Client) *RedisListNotifier {
	return &RedisListNotifier{
		client: client,
		subs:   make(map[Key][]*redisListSub),
	}
}

func (n *RedisListNotifier) Notify(ctx context.Context, key Key) error {
	listKey := redisListPrefix + key.Queue + ":" + key.Region
	return n.client.LPush(ctx, listKey, "1").Err()
}

func (n *RedisListNotifier) Subscribe(ctx context.Context, key Key) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}

	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisListSub{ch: ch, cancel: cancel}
	n.subs[key] = append(n.subs[key], rs)
	n.mu.Unlock()

	listKey := redisListPrefix + key.Queue + ":" + key.Region

	go func() {
		defer func() {
			n.removeListSub(key, rs)
			select {
			case <-ch:
			default:
			}
			close(ch)
		}()

		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}

			result, err := n.client.BRPop(subCtx, 1*time.Second, listKey).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				select {
				case <-subCtx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}

			if len(result) >= 2 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *RedisListNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisListNotifier) removeListSub(key Key, target *redisListSub) {
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
