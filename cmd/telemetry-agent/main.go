package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldtrack/telemetry-agent/internal/background"
	"fieldtrack/telemetry-agent/internal/client"
	"fieldtrack/telemetry-agent/internal/config"
	"fieldtrack/telemetry-agent/internal/database"
	"fieldtrack/telemetry-agent/internal/device"
	"fieldtrack/telemetry-agent/internal/filter"
	"fieldtrack/telemetry-agent/internal/janitor"
	"fieldtrack/telemetry-agent/internal/logger"
	"fieldtrack/telemetry-agent/internal/platform"
	"fieldtrack/telemetry-agent/internal/queue"
	"fieldtrack/telemetry-agent/internal/repository"
	"fieldtrack/telemetry-agent/internal/server"
	"fieldtrack/telemetry-agent/internal/service"
	"fieldtrack/telemetry-agent/internal/session"
	"fieldtrack/telemetry-agent/internal/syncer"
	"fieldtrack/telemetry-agent/internal/watchdog"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting telemetry agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
	)

	db, err := database.New(cfg.StoragePath, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	deviceManager := device.NewDeviceManager()
	deviceID, err := deviceManager.GetOrGenerateDeviceID(cfg.Device.ID)
	if err != nil {
		log.Fatal("Failed to get device ID", zap.Error(err))
	}
	log.Info("Agent identity resolved", zap.String("device_id", deviceID))

	apiClient := client.NewAPIClient(
		cfg.Backend.BaseURL,
		cfg.Backend.Token,
		deviceID,
		time.Duration(cfg.Backend.Timeout)*time.Second,
		log.Logger,
	)

	sessionRepo := repository.NewSessionRepository(db.DB, log.Logger)
	statusSyncer := syncer.NewStatusSyncer(apiClient, time.Duration(cfg.Backend.Timeout)*time.Second, log.Logger)

	machine := session.NewMachine(sessionRepo, statusSyncer, log.Logger)
	deadline := watchdog.New(func() {
		if err := machine.Expire(); err != nil {
			log.Error("Failed to expire session", zap.Error(err))
		}
	}, log.Logger)
	machine.SetWatchdog(deadline)

	engine := filter.NewEngine(filter.Thresholds{
		TimeCeiling:     time.Duration(cfg.Filter.TimeCeiling) * time.Second,
		DistanceFloorM:  cfg.Filter.DistanceFloor,
		HeadingDeltaDeg: cfg.Filter.HeadingDelta,
		SpeedDeltaMPS:   cfg.Filter.SpeedDelta,
		StationaryMPS:   cfg.Filter.StationaryBelow,
		MovingMPS:       cfg.Filter.MovingAbove,
		AccuracyCeilM:   cfg.Filter.AccuracyCeiling,
	}, cfg.Filter.Passthrough, log.Logger)

	deliveryQueue := queue.NewDeliveryQueue(db.DB, log.Logger)

	// Host capabilities. The simulated provider stands in until a real
	// platform layer is injected.
	locationProvider := platform.NewSimulatedLocationProvider(
		52.5200, 13.4050, 5*time.Second, time.Now().UnixNano(), log.Logger,
	)
	budgetProvider := platform.NewUnboundedBudgetProvider(log.Logger)

	telemetryService := service.NewTelemetryService(
		machine,
		engine,
		deliveryQueue,
		apiClient,
		locationProvider,
		time.Duration(cfg.Backend.Timeout)*time.Second,
		time.Duration(cfg.Tracking.RetryInterval)*time.Second,
		time.Duration(cfg.Tracking.SampleStaleAfter)*time.Second,
		log.Logger,
	)

	backgroundManager := background.NewManager(
		budgetProvider,
		locationProvider,
		machine,
		telemetryService,
		time.Duration(cfg.Tracking.PollInterval)*time.Second,
		time.Duration(cfg.Tracking.TransmitThrottle)*time.Second,
		time.Duration(cfg.Tracking.GraceDelay)*time.Second,
		log.Logger,
	)
	telemetryService.SetBackgroundManager(backgroundManager)

	// Restore any session left over from the previous run before the
	// pipeline starts; a session past its window expires right here.
	if err := machine.Rehydrate(); err != nil {
		log.Error("Failed to rehydrate session", zap.Error(err))
	}

	if err := telemetryService.Start(); err != nil {
		log.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	queueJanitor := janitor.New(deliveryQueue, 7*24*time.Hour, 10, "@every 1h", log.Logger)
	if err := queueJanitor.Start(); err != nil {
		log.Fatal("Failed to start queue janitor", zap.Error(err))
	}

	var controlHTTPServer *http.Server
	if cfg.Server.Enabled {
		controlServer := server.NewControlServer(telemetryService, machine, engine, log.Logger)
		addr := fmt.Sprintf("localhost:%d", cfg.Server.Port)
		controlHTTPServer = &http.Server{
			Addr:         addr,
			Handler:      controlServer.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info("Starting control server", zap.String("address", addr))
			if err := controlHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Control server error", zap.Error(err))
			}
		}()
	} else {
		log.Info("Control server disabled in configuration")
	}

	log.Info("Telemetry agent started successfully",
		zap.String("device_id", deviceID),
		zap.String("backend_url", cfg.Backend.BaseURL),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	log.Info("Shutting down telemetry agent...")

	if controlHTTPServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := controlHTTPServer.Shutdown(ctx); err != nil {
			log.Warn("Control server shutdown error", zap.Error(err))
		} else {
			log.Info("Control server stopped")
		}
	}

	queueJanitor.Stop()

	done := make(chan struct{})
	go func() {
		telemetryService.Stop()
		statusSyncer.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Telemetry service stopped successfully")
	case <-time.After(5 * time.Second):
		log.Warn("Shutdown timeout reached, forcing immediate exit")
		os.Exit(1)
	}

	log.Info("Telemetry agent stopped")
}
