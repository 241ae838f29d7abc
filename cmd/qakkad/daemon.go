package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qakka/qakka/internal/actor"
	"github.com/qakka/qakka/internal/cluster"
	"github.com/qakka/qakka/internal/facade"
	"github.com/qakka/qakka/internal/logging"
	"github.com/qakka/qakka/internal/metrics"
	"github.com/qakka/qakka/internal/observability"
	"github.com/qakka/qakka/internal/shardalloc"
	"github.com/qakka/qakka/internal/sweeper"
)

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a qakkad cluster member",
		Long:  "Run a qakkad process: owns queue actors for its region, drives the shard allocator and timeout sweeper, and serves inter-region forwarding and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			// actorMetrics/allocMetrics/sweepMetrics stay nil interfaces
			// (not a typed-nil *metrics.Metrics) when metrics are disabled,
			// so each package's own noopMetrics fallback engages.
			var actorMetrics actor.Metrics
			var allocMetrics shardalloc.Metrics
			var sweepMetrics sweeper.Metrics
			if cfg.Observability.Metrics.Enabled {
				m := metrics.New(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
				actorMetrics, allocMetrics, sweepMetrics = m, m, m
				go serveMetrics(m, cfg.Observability.Metrics.HTTPAddr)
			}

			st, err := connectStore(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			cache, err := buildShardCache(cfg)
			if err != nil {
				return fmt.Errorf("connect shard cache: %w", err)
			}

			actorNotifier, actorNotifyClient, err := buildNotifier(cfg)
			if err != nil {
				return fmt.Errorf("build notifier: %w", err)
			}
			if actorNotifyClient != nil {
				defer actorNotifyClient.Close()
			}

			blobStore, err := buildBlobStore(context.Background(), cfg)
			if err != nil {
				return err
			}

			// The allocator and sweeper need no wakeup notifier of their
			// own — every tick is a cheap, idempotent re-check — so they
			// just run on their own interval tickers below.
			allocator := shardalloc.New(st, cache, allocMetrics)
			sweep := sweeper.New(st, sweepMetrics)

			registry := cluster.NewRegistry(st, &cluster.Config{
				NodeID:              cfg.Cluster.NodeID,
				HeartbeatInterval:   cfg.Cluster.HeartbeatInterval,
				HealthCheckInterval: cfg.Cluster.HealthCheckInterval,
				HeartbeatTimeout:    cfg.Cluster.HeartbeatTimeout,
			})
			localNode := &cluster.Node{
				ID:        cfg.Cluster.NodeID,
				Name:      cfg.Cluster.NodeID,
				Address:   cfg.Cluster.Address,
				Region:    cfg.Cluster.Region,
				State:     cluster.NodeStateActive,
				MaxActors: cfg.Cluster.MaxActors,
			}
			if err := registry.RegisterNode(context.Background(), localNode); err != nil {
				return fmt.Errorf("register cluster node: %w", err)
			}
			scheduler := cluster.NewScheduler(registry, cluster.SchedulingStrategy(cfg.Cluster.SchedulingStrategy))

			healthCtx, cancelHealth := context.WithCancel(context.Background())
			go registry.StartHealthChecker(healthCtx)
			defer cancelHealth()

			f := facade.New(facade.Config{
				Store:          st,
				BlobStore:      blobStore,
				Notifier:       actorNotifier,
				Checker:        allocator,
				Metrics:        actorMetrics,
				LocalRegion:    cfg.Cluster.Region,
				NodeID:         cfg.Cluster.NodeID,
				Peers:          cfg.Cluster.Peers,
				Transport:      facade.NewHTTPPeerTransport(10 * time.Second),
				ActorHome:      clusterActorHome{scheduler: scheduler},
				ActorTransport: facade.NewHTTPActorTransport(10 * time.Second),
				InlineLimit:    cfg.Blobstore.InlineLimitBytes,
			})
			defer f.Close()

			mux := http.NewServeMux()
			mux.Handle("/internal/forward", f.Handler())
			mux.Handle("/internal/actor", f.ActorHandler())
			httpSrv := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("forwarding http server failed", "error", err)
				}
			}()

			tickCtx, cancelTick := context.WithCancel(context.Background())
			go runTickLoop(tickCtx, st, cfg.Cluster.Region, cfg.Queue.AllocatorInterval, allocator.Tick)
			go runTickLoop(tickCtx, st, cfg.Cluster.Region, cfg.Queue.SweeperInterval, sweep.Tick)
			defer cancelTick()

			logging.Op().Info("qakkad started", "node_id", cfg.Cluster.NodeID, "region", cfg.Cluster.Region, "http_addr", cfg.Daemon.HTTPAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
			_ = registry.RemoveNode(context.Background(), cfg.Cluster.NodeID)

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}

func serveMetrics(m *metrics.Metrics, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logging.Op().Error("metrics http server failed", "error", err)
	}
}
