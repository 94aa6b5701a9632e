package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/repository"
	"telemetry-ingest/internal/router"
	"telemetry-ingest/internal/util"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "api",
		Short:         "Telemetry ingest service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file")
	bindFlags(v, root.PersistentFlags())

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingest endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadIngest(v, configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadIngest(v, configFile)
			if err != nil {
				return err
			}
			logger, err := LoggerInitialize(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.DeInit()

			store, err := repository.New(cfg.Storage, cfg.Postgres, logger)
			if err != nil {
				return err
			}
			return repository.Migrate(cmd.Context(), store)
		},
	}

	root.AddCommand(serve, migrate)
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("addr", "", "listen address, e.g. :8000")
	flags.String("storage", "", "storage backend: postgres or sqlite")
	flags.String("sqlite-path", "", "SQLite database file")
	flags.Int("log-level", 0, "1 error, 2 warn, 3 info, 4 debug")

	for key, flag := range map[string]string{
		"http.addr":           "addr",
		"storage.type":        "storage",
		"storage.sqlite_path": "sqlite-path",
		"log.level":           "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func LoggerInitialize(cfg config.LogConfig) (*util.MetricsLogger, error) {

	var metricsLogger util.MetricsLogger

	err := metricsLogger.Init(util.LoggerOptions{
		Dir:      cfg.Dir,
		FileName: cfg.File,
		Level:    cfg.Level,
		Stderr:   cfg.Stderr,
	})
	if err != nil {
		fmt.Println("Failed to initialize logger:", err)
		return nil, err
	}

	metricsLogger.LogEvent(util.LOG_LEVEL_INFO, "Service started")

	currentTime := time.Now().Format(time.RFC3339)

	fmt.Fprintf(os.Stderr, "\n%s: Telemetry ingest started \n", currentTime)

	return &metricsLogger, nil
}

func serve(parent context.Context, cfg config.Config) (err error) {
	logger, err := LoggerInitialize(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.DeInit()

	if cfg.UsesDefaultToken() {
		logger.LogEvent(util.LOG_LEVEL_WARN, "INGEST_API_TOKEN is not set, using the development token")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricStore, err := repository.New(cfg.Storage, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	if err := metricStore.Init(ctx); err != nil {
		logger.LogEvent(util.LOG_LEVEL_ERROR, "Failed to initialize metric store: ", err)
		return err
	}
	defer func() {
		if closeErr := metricStore.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()

	server := router.NewServer(cfg.HTTP, router.NewRouter(cfg, metricStore, logger))
	return router.Run(ctx, server, cfg.HTTP.ShutdownTimeout, logger)
}
