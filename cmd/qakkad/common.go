package main

import (
	"context"
	"fmt"
	"os"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/qakka/qakka/internal/blobstore"
	"github.com/qakka/qakka/internal/cluster"
	"github.com/qakka/qakka/internal/config"
	"github.com/qakka/qakka/internal/facade"
	"github.com/qakka/qakka/internal/notify"
	"github.com/qakka/qakka/internal/shardcache"
	"github.com/qakka/qakka/internal/store"
)

// clusterActorHome adapts cluster.Scheduler to facade.ActorHome, so
// actorFor can consult the same rendezvous-hash placement decision every
// member of the region computes independently (§4.5, §11.1).
type clusterActorHome struct {
	scheduler *cluster.Scheduler
}

func (h clusterActorHome) SelectActorHome(queue, region string) (nodeID, addr string, ok bool, err error) {
	node, err := h.scheduler.SelectActorHome(queue, region)
	if err != nil {
		return "", "", false, err
	}
	return node.ID, node.Address, true, nil
}

// loadConfig applies config's default -> file -> env -> flag precedence.
// cmd carries whichever persistent/local flags the caller wants to apply
// last, on top of the file and environment layers.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("pg-dsn") {
		cfg.Postgres.DSN = pgDSN
	}
	if cfg.Cluster.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "qakkad-local"
		}
		cfg.Cluster.NodeID = host
	}
	return cfg, nil
}

// connectStore opens the Postgres metadata/message store.
func connectStore(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	return store.NewPostgresStore(ctx, cfg.Postgres.DSN)
}

// buildShardCache opens the go-redis-v8-backed latest-shard lookup cache
// (internal/shardcache), separate from the go-redis-v9 client the notifier
// uses — the two packages were grounded on different examples and were
// never reconciled onto one client library.
func buildShardCache(cfg *config.Config) (*shardcache.ShardCache, error) {
	return shardcache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

// buildNotifier constructs the wakeup notifier selected by
// cfg.Notify.Driver. redisClient is non-nil only for the redis-backed
// drivers and is owned by the caller for later Close.
func buildNotifier(cfg *config.Config) (notify.Notifier, *redisv9.Client, error) {
	switch cfg.Notify.Driver {
	case "redis-list":
		client := redisv9.NewClient(&redisv9.Options{
			Addr:     cfg.Notify.Addr,
			Password: cfg.Notify.Password,
			DB:       cfg.Notify.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect notify redis: %w", err)
		}
		return notify.NewRedisListNotifier(client), client, nil
	case "redis-pubsub":
		client := redisv9.NewClient(&redisv9.Options{
			Addr:     cfg.Notify.Addr,
			Password: cfg.Notify.Password,
			DB:       cfg.Notify.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect notify redis: %w", err)
		}
		return notify.NewRedisNotifier(client), client, nil
	case "channel":
		return notify.NewChannelNotifier(), nil, nil
	default:
		return notify.NewNoopNotifier(), nil, nil
	}
}

// buildBlobStore constructs the optional S3-compatible overflow store. It
// returns a nil facade.BlobStore when disabled, which the facade treats as
// "overflow disabled".
func buildBlobStore(ctx context.Context, cfg *config.Config) (facade.BlobStore, error) {
	if !cfg.Blobstore.Enabled {
		return nil, nil
	}
	s3store, err := blobstore.NewS3Store(ctx, blobstore.Config{
		Bucket:          cfg.Blobstore.Bucket,
		Region:          cfg.Blobstore.Region,
		Endpoint:        cfg.Blobstore.Endpoint,
		AccessKeyID:     cfg.Blobstore.AccessKeyID,
		SecretAccessKey: cfg.Blobstore.SecretAccessKey,
		UsePathStyle:    cfg.Blobstore.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("build blobstore: %w", err)
	}
	return s3store, nil
}

// adminFacade builds a facade suitable for one-shot admin operations
// (queue create/delete): it never hosts an actor and so needs no checker,
// metrics, notifier, or transport.
func adminFacade(st *store.PostgresStore, cfg *config.Config) *facade.Facade {
	return facade.New(facade.Config{
		Store:       st,
		LocalRegion: cfg.Cluster.Region,
	})
}
