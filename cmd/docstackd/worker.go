package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/docstackhq/docstack/config"
	"github.com/docstackhq/docstack/internal/embedding"
	"github.com/docstackhq/docstack/internal/journal"
	"github.com/docstackhq/docstack/internal/store"
	"github.com/docstackhq/docstack/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var name string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run the embedding retry worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Redis.Enabled() {
				return fmt.Errorf("worker requires redis (storage.redis.host/port)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
			}
			if err := journal.EnsureGroup(ctx, rdb, worker.Group); err != nil {
				return err
			}

			embedder := embedding.NewHTTPClient(cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
				cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Embedding.Timeout)
			consumer := journal.NewConsumer(rdb, worker.Group, name)
			pub := journal.NewPublisher(rdb, 10000)
			retrier := worker.New(st, st, embedder, consumer, pub,
				log.New(log.Writer(), "[RETRY] ", log.LstdFlags), nil)

			log.Printf("retry worker %s consuming %s", name, journal.StreamIngest)
			if err := retrier.Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")
	cmd.Flags().StringVar(&name, "name", "retry-1", "consumer name within the group")

	return cmd
}
