package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/config"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/database"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flipbook-api",
		Short: "Collaborative flipbook sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma-separated browser origins allowed to connect")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("operation-timeout", defaults.GetDuration("store.operation_timeout"), "Per-operation storage timeout")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("websocket.send_buffer"), "Outbound messages queued per connection")
	cmd.PersistentFlags().Int64("max-message-bytes", defaults.GetInt64("websocket.max_message_bytes"), "Maximum inbound websocket message size")
	cmd.PersistentFlags().Bool("metrics", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics at /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.operation_timeout", "operation-timeout")
	bindFlag(cmd, "websocket.send_buffer", "send-buffer")
	bindFlag(cmd, "websocket.max_message_bytes", "max-message-bytes")
	bindFlag(cmd, "metrics.enabled", "metrics")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var (
		recorder       = metrics.NewNoopRecorder()
		metricsHandler http.Handler
	)
	if appConfig.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewPrometheusRecorder(registry)
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	frameStore, err := frames.NewStore(frames.StoreConfig{
		Database:         db,
		Clock:            time.Now,
		Logger:           logger,
		OperationTimeout: appConfig.OperationTimeout,
	})
	if err != nil {
		return err
	}

	hub := rooms.NewHub(rooms.HubConfig{Logger: logger, Metrics: recorder})
	coordinator, err := collab.NewCoordinator(collab.CoordinatorConfig{
		Store:     frameStore,
		Hub:       hub,
		Sequencer: rooms.NewSequencer(),
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		FrameStore:     frameStore,
		Coordinator:    coordinator,
		Hub:            hub,
		IDProvider:     rooms.NewUUIDProvider(),
		Logger:         logger,
		Metrics:        recorder,
		MetricsHandler: metricsHandler,
		AllowedOrigins: appConfig.AllowedOrigins,
		WebSocket: server.WebSocketConfig{
			SendBuffer:      appConfig.SendBuffer,
			MaxMessageBytes: appConfig.MaxMessageBytes,
		},
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(hub.Shutdown)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		hub.Shutdown()
		return err
	}
}
