// firesentinel is the fire-safety telemetry node: it terminates device
// sessions, filters and evaluates the sensor stream against threshold
// rules, and distributes the resulting alarms to storage, dashboards, and
// external subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/firesentinel/firesentinel/internal/alarm"
	"github.com/firesentinel/firesentinel/internal/auth"
	"github.com/firesentinel/firesentinel/internal/config"
	"github.com/firesentinel/firesentinel/internal/dedup"
	"github.com/firesentinel/firesentinel/internal/distributor"
	"github.com/firesentinel/firesentinel/internal/evaluator"
	"github.com/firesentinel/firesentinel/internal/history"
	"github.com/firesentinel/firesentinel/internal/hotspot"
	"github.com/firesentinel/firesentinel/internal/ident"
	"github.com/firesentinel/firesentinel/internal/monitoring"
	"github.com/firesentinel/firesentinel/internal/prefilter"
	"github.com/firesentinel/firesentinel/internal/pubsub"
	"github.com/firesentinel/firesentinel/internal/queue"
	"github.com/firesentinel/firesentinel/internal/rules"
	"github.com/firesentinel/firesentinel/internal/session"
	"github.com/firesentinel/firesentinel/internal/syncsvc"
	"github.com/firesentinel/firesentinel/internal/telemetry"
	"github.com/firesentinel/firesentinel/internal/wshub"
)

// suppressorAdapter narrows the hotspot service to the alarm consumer's
// needs: the consumer only cares whether activation failed.
type suppressorAdapter struct {
	svc *hotspot.Service
}

func (a suppressorAdapter) ActivateSuppression(ctx context.Context, deviceID, zoneID, suppressionType string, intensity int) error {
	_, err := a.svc.ActivateSuppression(ctx, deviceID, zoneID, suppressionType, intensity)
	return err
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Shared clients.

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable")
	}
	pingCancel()

	natsPub, err := pubsub.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("NATS connect failed")
	}
	defer natsPub.Close()

	topicCtx, topicCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := queue.EnsureTopics(topicCtx, cfg.KafkaBrokers, cfg.QueuePartitions, logger); err != nil {
		topicCancel()
		logger.Fatal().Err(err).Msg("Topic provisioning failed")
	}
	topicCancel()

	publisher, err := queue.NewKafkaPublisher(queue.KafkaPublisherConfig{
		Brokers:     cfg.KafkaBrokers,
		MaxAttempts: cfg.PublishMaxAttempts,
		Backoff:     cfg.PublishBackoff,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Kafka producer setup failed")
	}
	defer publisher.Close()

	ids, err := ident.NewGenerator(cfg.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("ID generator setup failed")
	}

	// Rule engine and alarm pipeline.

	ruleStore := rules.NewStore(rdb, logger)
	ruleCache := rules.NewCache(ruleStore, cfg.RuleResyncInterval, cfg.RuleUpdateP95, logger)
	go func() {
		defer monitoring.RecoverPanic(logger, "ruleCache", nil)
		if err := ruleCache.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Rule cache stopped")
		}
	}()

	deduper := dedup.New(rdb, cfg.DedupWindow, cfg.DedupEnabled, logger)
	producer := alarm.NewProducer(ids, deduper, publisher, logger)
	eval := evaluator.New(ruleCache, producer, cfg.EvalEpsilon, logger)

	histStore := history.NewStore(rdb, cfg.HistoryRetention(), cfg.HistoryFallbackSize, logger)
	go histStore.RunSweeper(ctx, time.Hour)
	go histStore.RunProbe(ctx, 15*time.Second)

	locker := hotspot.NewLocker(rdb, cfg.LockWaitTime, cfg.LockLeaseTime)
	suppression := hotspot.New(rdb, natsPub, locker, cfg.SuppressionAutoExpire, logger)

	hub := wshub.NewHub(cfg.SessionMaxPending, logger)

	syncService := syncsvc.New(syncsvc.Config{
		SnapshotInterval:  cfg.SnapshotInterval,
		MaxEvents:         cfg.MaxEventsPerSnapshot,
		BroadcastInterval: cfg.BroadcastInterval,
	}, histStore, rdb, hub, natsPub, logger)
	go func() {
		defer monitoring.RecoverPanic(logger, "syncBroadcast", nil)
		syncService.RunBroadcast(ctx)
	}()

	dist := distributor.New(distributor.Config{
		MaxAttempts: cfg.DistributorMaxAttempts,
		Backoff:     cfg.DistributorBackoff,
		FailureRate: cfg.DistributorFailureRate,
		Cooldown:    cfg.DistributorCooldown,
		Bulkhead:    cfg.DistributorBulkhead,
		Timeout:     cfg.DistributorTimeout,
	}, histStore.Ring(), logger,
		distributor.SinkFunc{SinkName: "history", Fn: histStore.Record},
		distributor.SinkFunc{SinkName: "wshub", Fn: hub.BroadcastAlarm},
		distributor.SinkFunc{SinkName: "nats", Fn: natsPub.PublishAlarm},
		distributor.SinkFunc{SinkName: "sync", Fn: syncService.Notify},
	)

	alarmConsumer := alarm.NewConsumer(suppressorAdapter{svc: suppression}, dist, logger)

	archiver := telemetry.NewArchiver(rdb, cfg.TelemetryRetention, logger)

	// Consumer groups.

	runConsumer := func(name string, ccfg queue.KafkaConsumerConfig) {
		consumer, err := queue.NewKafkaConsumer(ccfg)
		if err != nil {
			logger.Fatal().Err(err).Str("group", ccfg.Group).Msg("Kafka consumer setup failed")
		}
		go func() {
			defer monitoring.RecoverPanic(logger, name, map[string]any{"group": ccfg.Group})
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("group", ccfg.Group).Msg("Consumer stopped")
			}
		}()
	}

	runConsumer("evaluatorConsumer", queue.KafkaConsumerConfig{
		Brokers:     cfg.KafkaBrokers,
		Group:       queue.GroupNormal,
		Topic:       queue.TopicSensorData,
		Concurrency: cfg.NormalConcurrency,
		Logger:      logger,
		Handler:     eval.Handle,
	})
	runConsumer("telemetryConsumer", queue.KafkaConsumerConfig{
		Brokers:     cfg.KafkaBrokers,
		Group:       queue.GroupBackpressure,
		Topic:       queue.TopicSensorData,
		Concurrency: cfg.BackpressureConcurrency,
		Logger:      logger,
		Batch:       archiver.HandleBatch,
	})
	runConsumer("alarmConsumer", queue.KafkaConsumerConfig{
		Brokers:     cfg.KafkaBrokers,
		Group:       queue.GroupAlarm,
		Topic:       queue.TopicAlarmEvents,
		Concurrency: 1,
		Logger:      logger,
		Handler:     alarmConsumer.Handle,
	})

	// Device-facing transport.

	devices := auth.NewDeviceStore(rdb, logger)
	tokens := auth.NewTokenService(rdb, devices, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger)
	limiter := auth.NewAttemptLimiter(cfg.AuthRateBurst, cfg.AuthRate, logger)
	defer limiter.Stop()

	filter := prefilter.New(prefilter.Config{
		TemperatureThreshold: cfg.PrefilterTemperature,
		HumidityThreshold:    cfg.PrefilterHumidity,
		SmokeFloor:           cfg.PrefilterSmoke,
		COFloor:              cfg.PrefilterCO,
	}, ids, publisher, logger)

	guard := session.NewGuard(cfg.MaxConnections, cfg.CPUThreshold, logger)
	go guard.Run(ctx)

	sessionServer := session.NewServer(session.Config{
		Addr:        cfg.SessionAddr,
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxPending:  cfg.SessionMaxPending,
	}, tokens, devices, filter, limiter, guard, logger)
	go func() {
		defer monitoring.RecoverPanic(logger, "sessionServer", nil)
		if err := sessionServer.ListenAndServe(ctx); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.SessionAddr).Msg("Session server failed")
		}
	}()

	// Dashboard surface: websocket hub plus Prometheus metrics.

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	httpServer := &http.Server{Addr: cfg.HubAddr, Handler: mux}
	go func() {
		defer monitoring.RecoverPanic(logger, "hubServer", nil)
		logger.Info().Str("addr", cfg.HubAddr).Msg("Hub server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Str("addr", cfg.HubAddr).Msg("Hub server failed")
		}
	}()

	logger.Info().Msg("FireSentinel node started")
	<-ctx.Done()

	// Two-phase drain: stop accepting, let in-flight work finish, then
	// close the fan-out surfaces.
	logger.Info().Dur("grace", cfg.DrainGrace).Msg("Shutting down")
	sessionServer.Drain(cfg.DrainGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Hub server shutdown incomplete")
	}
	hub.Shutdown()

	logger.Info().Msg("Shutdown complete")
}
