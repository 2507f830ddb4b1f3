package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"salesfloor/proximity/internal/config"
	"salesfloor/proximity/internal/metrics"
	"salesfloor/proximity/internal/middleware"
	"salesfloor/proximity/internal/server"
	"salesfloor/proximity/internal/service"
)

func serveCommand(rt *runtime) *cobra.Command {
	var vendors []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the per-vendor worker loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rt.config, rt.logger, vendors)
		},
	}
	cmd.Flags().StringSliceVar(&vendors, "monitor", nil, "Vendor IDs to start monitoring at boot")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger, vendors []string) error {
	logger.Info("starting proximity service", "port", cfg.Server.Port)
	gin.SetMode(cfg.Server.Mode)

	db, err := service.OpenDatabase(cfg.Database.Driver, cfg.Database.URL, logger.GetLevel() == log.DebugLevel)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := service.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("proximity"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Drain()
	logger.Info("connected to NATS", "url", cfg.NATS.URL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewProximityMetrics(registry)
	if err != nil {
		return err
	}

	var (
		js      *service.JetStreamService
		sink    service.EventSink
		handoff service.RecordingHandoff
	)
	if cfg.NATS.JetStream {
		js, err = service.NewJetStreamService(nc)
		if err != nil {
			return err
		}
		sink, handoff = js, js
		logger.Info("JetStream streams ready", "events", service.StreamEvents, "recordings", service.StreamRecordings)
	} else {
		sink, handoff = service.NewNATSEventSink(nc), service.NewCoreRecordingHandoff(nc)
	}

	store := service.NewGormRecordingStore(db, cfg.Recording.Dir, handoff, logger.WithPrefix("recordings"))
	bridge := service.NewRecordingBridge(store, service.NewNATSAudioCapture(nc), service.BridgeOptions{
		Timeout:        cfg.Recording.BridgeTimeout,
		UploadAttempts: cfg.Recording.UploadAttempts,
		UploadBackoff:  cfg.Recording.UploadBackoff,
	}, logger.WithPrefix("bridge"))

	zones := service.NewCachedZoneRegistry(service.NewZoneRegistry(db), cfg.Proximity.ZoneCacheTTL, logger)
	configs := service.NewVendorConfigService(db)
	history := service.NewSessionHistory(db)
	state := service.NewRedisSessionState(rdb)
	broadcaster := service.NewBroadcaster(m)
	notifier := service.NewNotificationService(service.NewNATSAlertPublisher(nc), service.NotificationOptions{
		PerMinute: cfg.RateLimit.AlertsPerMinute,
		Burst:     cfg.RateLimit.AlertBurst,
	}, m, logger)

	fixes := service.NewFixBuffer()
	natsUplink := service.NewNATSLocationSource(nc, fixes, logger)
	if err := natsUplink.Start(); err != nil {
		return err
	}
	defer natsUplink.Stop()

	if cfg.MQTT.Enabled {
		mqttUplink := service.NewMQTTLocationSource(service.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
		}, fixes, logger)
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := mqttUplink.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		defer mqttUplink.Disconnect()
	}

	monitor := service.NewMonitor(service.SchedulerDeps{
		Zones:     zones,
		Configs:   configs,
		Locations: fixes,
		Recorder:  bridge,
		State:     state,
		Lease:     state,
		Sink:      service.MultiSink{broadcaster, sink},
		Notifier:  notifier,
		History:   history,
		Metrics:   m,
		Logger:    logger,
		Settings:  cfg.Settings(),
		Owner:     instanceID(cfg),
		LeaseTTL:  cfg.Proximity.LeaseTTL,
	}, zones)
	defer monitor.Shutdown()

	inlet := service.NewCommandInlet(nc, monitor, logger)
	if err := inlet.Start(); err != nil {
		return err
	}
	defer inlet.Stop()

	for _, vendorID := range vendors {
		if err := monitor.StartMonitoring(ctx, vendorID, nil); err != nil {
			logger.Error("failed to start monitoring", "vendor", vendorID, "err", err)
		}
	}

	srv := server.NewServer(cfg, server.Deps{
		Monitor:   monitor,
		Configs:   configs,
		History:   history,
		Fixes:     fixes,
		Events:    broadcaster,
		Limiter:   middleware.NewRedisRateLimiter(rdb),
		JetStream: js,
		Registry:  registry,
		Logger:    logger,
	})
	srv.Setup()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "err", err)
	}
	logger.Info("server stopped")
	return nil
}

// instanceID names this process as a lease owner
func instanceID(cfg *config.Config) string {
	if cfg.Proximity.InstanceID != "" {
		return cfg.Proximity.InstanceID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "proximity"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
