package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qakka/qakka/internal/domain"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Administer queues directly against storage",
	}
	cmd.AddCommand(queueCreateCmd())
	cmd.AddCommand(queueDeleteCmd())
	cmd.AddCommand(queueListCmd())
	return cmd
}

func queueCreateCmd() *cobra.Command {
	var (
		regionSet       string
		localRegion     string
		originRegion    string
		delayMs         int64
		leaseSeconds    int
		maxRedeliveries int
		maxShardSize    int64
		refreshBatch    int
		bufferTarget    int
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a queue and allocate its shard 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := connectStore(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			q := &domain.Queue{
				Name:            args[0],
				DefaultType:     domain.Default,
				LocalRegion:     localRegion,
				OriginRegion:    originRegion,
				DelayMs:         delayMs,
				LeaseSeconds:    leaseSeconds,
				MaxRedeliveries: maxRedeliveries,
				RegionSet:       splitNonEmpty(regionSet),
				MaxShardSize:    maxShardSize,
				RefreshBatch:    refreshBatch,
				BufferTarget:    bufferTarget,
			}
			if q.LocalRegion == "" {
				q.LocalRegion = cfg.Cluster.Region
			}
			if q.OriginRegion == "" {
				q.OriginRegion = q.LocalRegion
			}

			f := adminFacade(st, cfg)
			if err := f.CreateQueue(context.Background(), q); err != nil {
				return fmt.Errorf("create queue: %w", err)
			}
			fmt.Printf("queue %q created (regions: %v)\n", q.Name, q.RegionSet)
			return nil
		},
	}

	cmd.Flags().StringVar(&regionSet, "regions", "", "Comma-separated region set this queue spans (defaults to the local region)")
	cmd.Flags().StringVar(&localRegion, "local-region", "", "Region this queue was created against")
	cmd.Flags().StringVar(&originRegion, "origin-region", "", "Region a send without an explicit destination lands in")
	cmd.Flags().Int64Var(&delayMs, "delay-ms", 0, "Default delivery delay in milliseconds")
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 30, "Invisibility lease duration in seconds")
	cmd.Flags().IntVar(&maxRedeliveries, "max-redeliveries", 5, "Redeliveries allowed before dead-lettering")
	cmd.Flags().Int64Var(&maxShardSize, "max-shard-size", 1_000_000, "Row count threshold that triggers the next shard allocation")
	cmd.Flags().IntVar(&refreshBatch, "refresh-batch", 100, "Rows moved to INFLIGHT per actor Refresh")
	cmd.Flags().IntVar(&bufferTarget, "buffer-target", 1000, "In-memory buffer size an actor tries to keep filled")

	return cmd
}

func queueDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a queue and cascade its shards, counters, and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := connectStore(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			f := adminFacade(st, cfg)
			if err := f.DeleteQueue(context.Background(), args[0]); err != nil {
				return fmt.Errorf("delete queue: %w", err)
			}
			fmt.Printf("queue %q deleted\n", args[0])
			return nil
		},
	}
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := connectStore(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			queues, err := st.ListQueues(context.Background())
			if err != nil {
				return fmt.Errorf("list queues: %w", err)
			}
			for _, q := range queues {
				fmt.Printf("%s\tregions=%v\tlease=%ds\tmax_redeliveries=%d\n",
					q.Name, q.RegionSet, q.LeaseSeconds, q.MaxRedeliveries)
			}
			return nil
		},
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
