package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqttcommon "wisefido-rtls/common/mqtt"
	rediscommon "wisefido-rtls/common/redis"
	"wisefido-rtls/internal/consumer"
	httpapi "wisefido-rtls/internal/http"
	"wisefido-rtls/internal/journal"
	"wisefido-rtls/internal/notify"
	"wisefido-rtls/internal/repository"
	"wisefido-rtls/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var skipReplay bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with MQTT / Redis Streams ingest and the HTTP read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(skipReplay)
		},
	}
	cmd.Flags().BoolVar(&skipReplay, "skip-replay", false, "do not rebuild state from the journal at startup")
	return cmd
}

func runServe(skipReplay bool) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Postgres：事件日志与围栏配置
	db, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	eventRepo := repository.NewEventLogRepository(db, log)
	geofenceRepo := repository.NewGeofenceRepository(db, log)
	if err := eventRepo.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := geofenceRepo.EnsureSchema(ctx); err != nil {
		return err
	}

	// 2. Redis：读模型缓存与 Streams 接入
	var redisClient *rediscommon.Client
	if cfg.Cache.Enabled || cfg.Ingest.StreamEnabled {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, redisClient); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		defer rediscommon.Close(redisClient)
	}

	var mqttClient *mqttcommon.Client
	if cfg.Ingest.MQTTEnabled {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, log)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect()
	}

	// 3. 引擎
	deps := service.Deps{Purger: eventRepo}
	if cfg.Journal.Enabled {
		deps.Recorder = journal.NewWriter(eventRepo, cfg.Journal.BatchSize, cfg.Journal.FlushInterval, log)
	}
	if cfg.Cache.Enabled {
		deps.Cache = consumer.NewCacheManager(cfg, consumer.NewRedisKVStore(redisClient), log)
	}
	if cfg.Notify.WebhookURL != "" {
		deps.Notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, log)
	}
	engine := service.NewEngine(cfg, deps, log)

	if cfg.Journal.Enabled && !skipReplay {
		if _, err := engine.Replay(ctx, eventRepo); err != nil {
			return err
		}
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 3)

	// 4. 围栏热加载
	reloader := consumer.NewGeofenceReloader(geofenceRepo, engine, cfg.Geofence.ReloadInterval, log)
	go reloader.Start(ctx)

	// 5. 接入
	var mqttConsumer *consumer.MQTTConsumer
	if mqttClient != nil {
		mqttConsumer = consumer.NewMQTTConsumer(cfg, mqttClient, engine, log)
		go func() {
			if err := mqttConsumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("mqtt consumer: %w", err)
			}
		}()
	}
	if cfg.Ingest.StreamEnabled {
		streamConsumer := consumer.NewStreamConsumer(cfg, redisClient, engine, log)
		go func() {
			if err := streamConsumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("stream consumer: %w", err)
			}
		}()
	}

	// 6. HTTP 读接口
	router := httpapi.NewRouter(log)
	router.RegisterRTLSRoutes(httpapi.NewRTLSHandler(engine, log))
	server := service.NewServer(cfg.HTTP.Addr, router, log)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errChan:
		log.Error("Service error, shutting down", zap.Error(runErr))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if mqttConsumer != nil {
		mqttConsumer.Stop()
	}
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop HTTP server", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop engine", zap.Error(err))
	}

	log.Info("RTLS service stopped")
	return runErr
}
