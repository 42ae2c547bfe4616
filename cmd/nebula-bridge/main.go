// Package main implements nebula-bridge, the host-side service for one nebula
// device. It feeds the device Jobs from Kafka, stops it on new blocks and
// records what it reports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/nebula/internal/bridge"
	"github.com/bardlex/nebula/internal/config"
	"github.com/bardlex/nebula/internal/database"
	"github.com/bardlex/nebula/internal/database/influx"
	"github.com/bardlex/nebula/internal/database/postgres"
	"github.com/bardlex/nebula/internal/database/redis"
	"github.com/bardlex/nebula/internal/messaging"
	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting nebula-bridge",
		"version", cfg.Version,
		"device_addr", cfg.DeviceAddr,
		"kafka_brokers", cfg.KafkaBrokers,
	)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("bridge failed")
		os.Exit(1)
	}
	logger.Info("nebula-bridge stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	client, err := transport.Dial(ctx, cfg.DeviceAddr, clientConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	dbManager, err := database.NewManager(databaseConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()
	dbManager.StartPeriodicTasks(ctx)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	b := bridge.New(client, dbManager, kafkaClient, logger)
	if _, err := b.Identify(ctx); err != nil {
		return err
	}

	notifier, err := bridge.NewZMQNotifier(cfg.BitcoinZMQAddr, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()
	if err := notifier.Subscribe(bridge.TopicHashBlock); err != nil {
		return err
	}
	if err := notifier.Connect(); err != nil {
		return err
	}
	blocks := bridge.NewBlockHandler(logger, b.OnNewBlock)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCancel(messaging.Consume(gctx, kafkaClient, messaging.TopicJobs, groupID(cfg, b.DeviceID()), b.HandleJob))
	})
	g.Go(func() error {
		return ignoreCancel(notifier.Listen(gctx, blocks.HandleMessage))
	})
	g.Go(func() error {
		if err := b.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return fmt.Errorf("device link closed: %w", client.Err())
		}
		return nil
	})
	return g.Wait()
}

// groupID gives every device its own consumer group, so each bridge sees
// every Job and keeps those addressed to it.
func groupID(cfg *config.Config, deviceID string) string {
	return fmt.Sprintf("%s-%s", cfg.KafkaGroupID, deviceID)
}

func clientConfig(cfg *config.Config) transport.ClientConfig {
	return transport.ClientConfig{
		RequestTimeout:   cfg.RequestTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		SubscriberBuffer: cfg.OutboundBuffer,
	}
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
