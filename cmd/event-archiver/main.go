package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidhub/internal/config"
	"bidhub/internal/infrastructure/kafka"
	"bidhub/internal/infrastructure/mysql"
	"bidhub/internal/services"
	"bidhub/internal/tracing"
	"bidhub/pkg/logger"
	"bidhub/pkg/utils"
)

// event-archiver copies the Kafka event stream into the MySQL audit log.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.Log.Level).With("service", "event-archiver")

	if err := run(cfg, log); err != nil {
		log.Fatal("Event archiver failed", "error", err)
	}
	log.Info("Event archiver stopped")
}

func run(cfg *config.Config, log logger.Logger) error {
	if len(cfg.Events.Kafka.Brokers) == 0 {
		return errors.New("events.kafka.brokers is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracerProvider("event-archiver", cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio, log)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Failed to flush traces", "error", err)
		}
	}()

	initCtx, cancelInit := context.WithTimeout(ctx, 10*time.Second)
	defer cancelInit()

	db, err := utils.InitializeMysql(initCtx, cfg.MySQL, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.MySQL.Migrate {
		if err := mysql.EnsureSchema(initCtx, db); err != nil {
			return err
		}
	}

	consumer := kafka.NewEventConsumer(
		kafka.NewReader(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, cfg.Events.Kafka.GroupID),
		kafka.DefaultConsumerConfig(),
		log,
	)
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Warn("Failed to close kafka reader", "error", err)
		}
	}()

	log.Info("Consuming auction events",
		"brokers", cfg.Events.Kafka.Brokers,
		"topic", cfg.Events.Kafka.Topic,
		"group_id", cfg.Events.Kafka.GroupID,
	)

	err = services.NewEventArchiver(mysql.NewEventLogRepository(db), log).Run(ctx, consumer)
	if errors.Is(err, context.Canceled) {
		log.Info("Shutting down event archiver...")
		return nil
	}
	return err
}
