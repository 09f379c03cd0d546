// Package main is the entry point for the register poller service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/register-poller/internal/adapter/config"
	"github.com/nexus-edge/register-poller/internal/adapter/modbus"
	"github.com/nexus-edge/register-poller/internal/adapter/mqtt"
	"github.com/nexus-edge/register-poller/internal/api"
	"github.com/nexus-edge/register-poller/internal/catalog"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/health"
	"github.com/nexus-edge/register-poller/internal/metrics"
	"github.com/nexus-edge/register-poller/internal/service"
	"github.com/nexus-edge/register-poller/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "register-poller"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	probe := flag.Bool("probe", false, "check that the device answers a single read, then exit")
	probeAddress := flag.Uint("probe-address", uint(modbus.ProbeRegister), "holding register read by -probe")
	flag.Parse()

	// Initialize structured logger
	logger := logging.New(serviceName, serviceVersion)

	// Load configuration
	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Logging.Level != "" {
		logger = logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			TimeFormat: cfg.Logging.TimeFormat,
		})
	}
	logger.Info().Str("env", cfg.Environment).Msg("Configuration loaded")

	modbusCfg := cfg.ModbusConfig()

	if *probe {
		os.Exit(runProbe(logger, modbusCfg, *probeAddress))
	}

	logger.Info().Msg("Starting register poller")

	defs := loadRegisters(logger, cfg.RegistersConfigPath)
	registers := domain.NewRegisterMap(defs)

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Initialize Modbus connection and coordinator
	// =============================================================

	conn, err := modbus.NewManager(modbusCfg, modbus.DialTCP, logging.WithDeviceContext(logger, modbusCfg.Address(), modbusCfg.UnitID), metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Modbus connection manager")
	}

	registerCatalog := catalog.New(logger)
	for _, def := range defs {
		registerCatalog.Add(def.Address, def.Type)
	}
	coordinator, err := service.NewCoordinator(modbusCfg, conn, registerCatalog, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create poll coordinator")
	}

	// =============================================================
	// Initialize MQTT (optional)
	// =============================================================

	var (
		mqttPublisher *mqtt.Publisher
		cmdHandler    *service.CommandHandler
	)
	if cfg.MQTT.Enabled {
		mqttPublisher, err = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            byte(cfg.MQTT.QoS),
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			RetainMessages: cfg.MQTT.Retain,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
		}, registers, logger, metricsRegistry)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create MQTT publisher")
		}

		// The client keeps retrying in the background; values are buffered
		// until it connects.
		if err := mqttPublisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to MQTT broker, publishing will be buffered")
		}
		coordinator.AddListener(mqttPublisher)

		if cfg.MQTT.CommandsEnabled {
			cmdCfg := service.DefaultCommandConfig()
			cmdCfg.CommandTopicPrefix = cfg.MQTT.CommandTopicPrefix
			cmdCfg.ResponseTopicPrefix = cfg.MQTT.ResponseTopicPrefix
			cmdCfg.QoS = byte(cfg.MQTT.QoS)
			cmdCfg.WriteTimeout = cfg.MQTT.WriteTimeout
			cmdCfg.CommandQueueSize = cfg.MQTT.CommandQueueSize

			cmdHandler = service.NewCommandHandler(mqttPublisher.Client(), coordinator, registers, cmdCfg, logger, metricsRegistry)
			mqttPublisher.OnConnect(func() { _ = cmdHandler.Resubscribe() })
			if err := cmdHandler.Start(); err != nil {
				logger.Warn().Err(err).Msg("Command subscriptions pending until the broker connects")
			}
		}
	}

	if err := coordinator.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start coordinator")
	}

	// =============================================================
	// Initialize Health Checks and HTTP Server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("modbus", coordinator)
	if mqttPublisher != nil {
		healthChecker.AddOptionalCheck("mqtt", mqttPublisher)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	apiHandler := api.NewHandler(coordinator, registers, cfg.API, logger)
	if cfg.MQTT.WriteTimeout > 0 {
		apiHandler.SetWriteTimeout(cfg.MQTT.WriteTimeout)
	}
	if mqttPublisher != nil {
		apiHandler.SetTopicTracker(mqttPublisher)
	}
	if cmdHandler != nil {
		apiHandler.SetSubscriptionProvider(cmdHandler)
	}
	apiHandler.Routes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Str("device", modbusCfg.Address()).
		Int("unit_id", modbusCfg.UnitID).
		Int("registers", len(defs)).
		Dur("update_interval", modbusCfg.UpdateInterval).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", mqttPublisher != nil).
		Msg("Register poller started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting writes before the coordinator goes away.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if cmdHandler != nil {
		if err := cmdHandler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping command handler")
		}
	}

	if err := coordinator.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error stopping coordinator")
	}

	if mqttPublisher != nil {
		mqttPublisher.Disconnect()
	}

	logger.Info().Msg("Register poller stopped")
}

// loadRegisters reads the register map, falling back to the built-in map
// when the file does not exist.
func loadRegisters(logger zerolog.Logger, path string) []domain.RegisterDefinition {
	defs, err := config.LoadRegisters(path)
	if err == nil {
		logger.Info().Str("path", path).Int("count", len(defs)).Msg("Loaded register map")
		return defs
	}
	if errors.Is(err, fs.ErrNotExist) {
		defs = config.DefaultRegisters()
		logger.Warn().Str("path", path).Int("count", len(defs)).Msg("Register map not found, using built-in registers")
		return defs
	}
	logger.Fatal().Err(err).Str("path", path).Msg("Failed to load register map")
	return nil
}

func runProbe(logger zerolog.Logger, cfg domain.ModbusConfig, address uint) int {
	if address > 0xFFFF {
		logger.Error().Uint("address", address).Msg("Probe address out of range")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout+5*time.Second)
	defer cancel()

	if err := modbus.Probe(ctx, nil, cfg, uint16(address)); err != nil {
		logger.Error().
			Err(err).
			Str("device", cfg.Address()).
			Str("kind", string(domain.Kind(err))).
			Msg("Probe failed")
		return 1
	}
	logger.Info().Str("device", cfg.Address()).Uint("address", address).Msg("Probe succeeded")
	return 0
}
