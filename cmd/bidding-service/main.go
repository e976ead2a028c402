package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"bidhub/internal/api"
	"bidhub/internal/api/handlers"
	"bidhub/internal/config"
	"bidhub/internal/domain"
	"bidhub/internal/infrastructure/kafka"
	"bidhub/internal/infrastructure/leader"
	"bidhub/internal/infrastructure/memory"
	"bidhub/internal/infrastructure/mysql"
	"bidhub/internal/infrastructure/redis"
	"bidhub/internal/infrastructure/websocket"
	"bidhub/internal/metrics"
	"bidhub/internal/services"
	"bidhub/internal/tracing"
	"bidhub/pkg/logger"
	"bidhub/pkg/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.Log.Level)

	log.Info("Loaded configuration", "config", cfg.GetConfigString())

	if err := run(cfg, log); err != nil {
		log.Fatal("Bidding service failed", "error", err)
	}
	log.Info("Bidding service stopped")
}

type storage struct {
	state  domain.AuctionStateStore
	ledger domain.BidLedger
	tx     domain.Transactor
	close  func() error
}

func openStorage(ctx context.Context, cfg *config.Config, log logger.Logger) (*storage, error) {
	if cfg.Storage.Backend != "mysql" {
		store := memory.NewStore()
		log.Warn("Using in-memory storage, auctions are lost on restart")
		return &storage{state: store, ledger: store, tx: store, close: func() error { return nil }}, nil
	}

	db, err := utils.InitializeMysql(ctx, cfg.MySQL, log)
	if err != nil {
		return nil, err
	}
	if cfg.MySQL.Migrate {
		if err := mysql.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &storage{
		state:  mysql.NewAuctionRepository(db),
		ledger: mysql.NewBidRepository(db),
		tx:     mysql.NewTransactor(db),
		close:  db.Close,
	}, nil
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracerProvider("bidding-service", cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio, log)
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	clock := domain.SystemClock{}

	initCtx, cancelInit := context.WithTimeout(ctx, 10*time.Second)
	defer cancelInit()

	var rdb *goredis.Client
	if cfg.UsesRedis() {
		rdb, err = utils.InitializeRedis(initCtx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	st, err := openStorage(initCtx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("Failed to close storage", "error", err)
		}
	}()

	var locker domain.AuctionLocker = services.NewKeyedMutex()
	if cfg.Lock.Backend == "redis" {
		locker = redis.NewAuctionLock(rdb, cfg.Lock.TTL, cfg.Lock.Retry, log)
	}

	var policy domain.IncrementPolicy = services.StaticIncrementPolicy{Rules: services.DefaultIncrementRules()}
	if rdb != nil {
		rules := services.NewBiddingRuleDao(rdb)
		if err := rules.LoadRules(initCtx); err != nil {
			return fmt.Errorf("load bidding rules: %w", err)
		}
		policy = rules
	}

	manager := websocket.NewConnectionManager(clock, m, log)
	listener := services.NewEventListener(manager, log)

	var sinks []services.Sink
	if cfg.Events.Redis {
		sinks = append(sinks, services.Sink{Name: "redis", Publisher: redis.NewEventPublisher(rdb)})
	} else {
		sinks = append(sinks, services.Sink{Name: "local", Publisher: listener})
	}

	var archive *kafka.EventPublisher
	if cfg.Events.Kafka.Enabled {
		archive = kafka.NewEventPublisher(kafka.NewWriter(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic))
		sinks = append(sinks, services.Sink{Name: "kafka", Publisher: archive})
	}

	dispatcher := services.NewEventDispatcher(
		services.NewFanoutPublisher(m, log, sinks...),
		cfg.Events.Workers,
		cfg.Events.QueueSize,
		cfg.Events.PublishTimeout,
		m,
		log,
	)

	engine := services.NewAuctionEngine(st.state, st.ledger, st.tx, locker, dispatcher, policy, clock, m, services.EngineConfig{
		MaxAttempts:         cfg.Engine.MaxAttempts,
		LockTimeout:         cfg.Engine.LockTimeout,
		DefaultExtendWindow: cfg.Engine.AutoExtendWindow,
		DefaultExtendBy:     cfg.Engine.AutoExtendBy,
	}, log)
	if rdb != nil {
		engine.SetSnapshotCache(redis.NewRedisStateCache(rdb, cfg.Redis.CacheTTL))
	}

	var election domain.LeaderElection
	if cfg.Leader.Enabled {
		election = leader.NewRedisLeaderElection(rdb, cfg.Leader.TTL, log)
	}

	var scheduler domain.AuctionScheduler = services.NewExpiryScheduler(st.state, engine, dispatcher, election, clock, m, services.SchedulerConfig{
		Spec:             cfg.Scheduler.Interval,
		EndingSoonWindow: cfg.Scheduler.EndingSoonWindow,
		Concurrency:      cfg.Scheduler.Concurrency,
		TaskTimeout:      cfg.Scheduler.TaskTimeout,
		InstanceID:       cfg.Instance.ID,
	}, log)
	engine.SetExpiryTracker(scheduler)

	server := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter(api.RouterDeps{
			Auctions:   handlers.NewAuctionHandler(engine, clock, log),
			WebSockets: handlers.NewWebSocketHandler(engine, manager, clock, log),
			Gatherer:   registry,
			InstanceID: cfg.Instance.ID,
			Clock:      clock,
			Log:        log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting bidding service", "address", server.Addr, "instance_id", cfg.Instance.ID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Events.Redis {
		g.Go(func() error {
			err := listener.Start(gctx, redis.NewRedisEventSubscriber(rdb, log))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down bidding service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Error("Server forced to shutdown", "error", err)
		}

		if stopErr := scheduler.Stop(); stopErr != nil {
			log.Error("Failed to stop scheduler", "error", stopErr)
		}

		// drains queued events before the sinks go away
		dispatcher.Close()

		if archive != nil {
			if closeErr := archive.Close(); closeErr != nil {
				log.Warn("Failed to close kafka writer", "error", closeErr)
			}
		}
		return err
	})

	return g.Wait()
}
