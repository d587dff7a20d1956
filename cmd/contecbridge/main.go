package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"contecbridge/internal/api"
	"contecbridge/internal/config"
	"contecbridge/internal/ha"
	"contecbridge/internal/hass"
	"contecbridge/internal/history"
	"contecbridge/internal/integration"
	"contecbridge/internal/mqtt"
	_ "contecbridge/internal/platforms/binarysensor"
	_ "contecbridge/internal/platforms/cover"
	_ "contecbridge/internal/platforms/light"
	"contecbridge/internal/store"
	"contecbridge/pkg/plugin"
)

func main() {
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Contec bridge failed", zap.Error(err))
	}
}

func newLogger() (*zap.Logger, error) {
	// .env may set LOG_LEVEL, so it is loaded before the logger exists.
	envErr := godotenv.Load()

	var logger *zap.Logger
	var err error
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}
	return logger, nil
}

func run(logger *zap.Logger) error {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	cfg, err := config.NewLoader(configFile, logger).Load()
	if err != nil {
		return err
	}

	logger.Info("Starting Contec bridge",
		zap.Int("entries", len(cfg.Entries)),
		zap.Strings("platforms", plugin.Names()),
		zap.Bool("read_only", cfg.ReadOnly))

	broker, err := mqtt.Connect(cfg.MQTT, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer broker.Close()

	host := hass.NewHost(broker, broker.Topics(), broker.QoS(), logger, hass.WithReadOnly(cfg.ReadOnly))
	if err := host.Start(); err != nil {
		return err
	}
	defer host.Stop()
	broker.SetOnConnect(host.Republish)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open entity registry: %w", err)
	}
	defer db.Close()

	healthChecks := []api.Option{
		api.WithHealthCheck("mqtt", broker.HealthCheck),
		api.WithHealthCheck("database", db.HealthCheck),
	}
	opts := []integration.Option{
		integration.WithStore(db),
		integration.WithReadOnly(cfg.ReadOnly),
	}

	recorder, err := history.Connect(cfg.InfluxDB, logger)
	switch {
	case errors.Is(err, history.ErrDisabled):
		logger.Info("InfluxDB history disabled")
	case err != nil:
		logger.Warn("InfluxDB unavailable, continuing without history", zap.Error(err))
	default:
		defer recorder.Close()
		host.AddObserver(recorder.Observe)
		healthChecks = append(healthChecks, api.WithHealthCheck("influxdb", recorder.HealthCheck))
	}

	if cfg.HomeAssistant.Enabled {
		client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := client.Connect(); err != nil {
			logger.Warn("Home Assistant websocket unavailable, events and notifications disabled", zap.Error(err))
		} else {
			defer client.Disconnect()
			opts = append(opts, integration.WithNotifier(client))
		}
	}

	it := integration.New(host, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	fatal := make(chan error, len(cfg.Entries))
	for _, entry := range cfg.Entries {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := it.RunEntry(ctx, entry)
			if err != nil && !errors.Is(err, context.Canceled) {
				fatal <- fmt.Errorf("entry %s: %w", entry.ID, err)
			}
		}()
	}

	var server *api.Server
	if cfg.API.Port > 0 {
		server = api.NewServer(host, it, logger, cfg.API.Port, healthChecks...)
		if err := server.Start(); err != nil {
			stop()
			wg.Wait()
			it.Close(context.Background())
			return err
		}
	}

	logger.Info("Contec bridge running. Press Ctrl+C to exit.")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-fatal:
		stop()
	}
	wg.Wait()

	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Warn("Failed to stop HTTP API server", zap.Error(err))
		}
	}
	if err := it.Close(context.Background()); err != nil {
		logger.Warn("Failed to unload entries", zap.Error(err))
	}
	if recorder != nil {
		recorder.Flush()
	}

	logger.Info("Contec bridge stopped")
	return runErr
}
