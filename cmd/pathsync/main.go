package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ourpaths/pathsync/internal/bridge"
	"github.com/ourpaths/pathsync/internal/config"
	"github.com/ourpaths/pathsync/internal/connectivity"
	"github.com/ourpaths/pathsync/internal/credentials"
	"github.com/ourpaths/pathsync/internal/events"
	"github.com/ourpaths/pathsync/internal/favorites"
	"github.com/ourpaths/pathsync/internal/logging"
	"github.com/ourpaths/pathsync/internal/queue"
	"github.com/ourpaths/pathsync/internal/server"
	"github.com/ourpaths/pathsync/internal/storage"
	"github.com/ourpaths/pathsync/internal/stories"
	"github.com/ourpaths/pathsync/internal/syncer"
	"github.com/ourpaths/pathsync/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pathsync",
		Short: "Offline story queue and sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Remote story API base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("credentials-path", defaults.GetString("credentials.path"), "Stored credential file path")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("sync.max_attempts"), "Delivery attempts before an item is marked failed")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Automatic pending-item check period")
	cmd.PersistentFlags().Duration("cache-ttl", defaults.GetDuration("cache.ttl"), "Favorites in-memory cache validity window")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "credentials.path", "credentials-path")
	bindFlag(cmd, "sync.max_attempts", "max-attempts")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "cache.ttl", "cache-ttl")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := storage.Open(storage.Config{
		Path:   appConfig.DatabasePath,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	credentialStore, err := credentials.NewStore(appConfig.CredentialsPath, logger)
	if err != nil {
		return err
	}
	tokenSource, err := credentials.NewTokenSource(credentials.TokenSourceConfig{
		Store:  credentialStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	remote, err := stories.NewClient(stories.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	bus := events.NewBus()

	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		Checker:       connectivity.NewHTTPChecker(appConfig.ProbeURL, nil),
		ProbeInterval: appConfig.ProbeInterval,
		InitialOnline: true,
		Bus:           bus,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	broker := bridge.NewBroker(logger)

	backgroundWorker, err := worker.New(worker.Config{
		DatabasePath: appConfig.DatabasePath,
		Remote:       remote,
		Broker:       broker,
		Connectivity: monitor,
		Bus:          bus,
		MaxAttempts:  appConfig.MaxAttempts,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	queueService, err := queue.NewService(queue.ServiceConfig{
		Store:       store,
		Keys:        queue.NewUUIDKeyProvider(),
		MaxAttempts: appConfig.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := syncer.NewService(syncer.ServiceConfig{
		Queue:        queueService,
		Store:        store,
		Remote:       remote,
		Tokens:       tokenSource,
		Connectivity: monitor,
		Bus:          bus,
		Registrar:    backgroundWorker,
		SyncInterval: appConfig.SyncInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	favoritesManager, err := favorites.NewManager(favorites.ManagerConfig{
		Store:    store,
		Remote:   remote,
		Tokens:   tokenSource,
		Bus:      bus,
		CacheTTL: appConfig.CacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Syncer:      coordinator,
		Favorites:   favoritesManager,
		Queue:       queueService,
		Remote:      remote,
		Tokens:      tokenSource,
		Credentials: credentialStore,
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.Run(signalCtx)
	go broker.Serve(signalCtx, tokenSource)
	go coordinator.RunAutoSync(signalCtx)

	workerErrCh := make(chan error, 1)
	go func() {
		if err := backgroundWorker.Run(signalCtx); err != nil {
			workerErrCh <- err
		}
		close(workerErrCh)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case err := <-workerErrCh:
		if err != nil {
			return err
		}
	case <-signalCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
