package main

import (
	"context"
	"time"

	"github.com/qakka/qakka/internal/domain"
	"github.com/qakka/qakka/internal/logging"
	"github.com/qakka/qakka/internal/store"
)

// runTickLoop calls tick for every queue this process knows about, once
// per interval, until ctx is done. The allocator and sweeper are both
// stateless, idempotent per-tick (§4.1, §4.4), so re-listing queues from
// storage on every interval rather than caching them is deliberate — a
// queue created or deleted between ticks is picked up on the next one.
func runTickLoop(ctx context.Context, st *store.PostgresStore, region string, interval time.Duration, tick func(ctx context.Context, q *domain.Queue, region string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queues, err := st.ListQueues(ctx)
			if err != nil {
				logging.Op().Error("tick loop failed to list queues", "error", err)
				continue
			}
			for _, q := range queues {
				tick(ctx, q, region)
			}
		}
	}
}
