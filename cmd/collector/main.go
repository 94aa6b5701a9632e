package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"telemetry-ingest/internal/collector"
	"telemetry-ingest/internal/config"
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
		Use:           "collector",
		Short:         "Sample host usage and push it to the ingest service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file")
	bindFlags(v, root.PersistentFlags())

	run := &cobra.Command{
		Use:   "run",
		Short: "Sample and send continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := build(v, configFile)
			if err != nil {
				return err
			}
			defer logger.DeInit()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.Run(ctx)
		},
	}

	once := &cobra.Command{
		Use:   "once",
		Short: "Sample and send a single payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := build(v, configFile)
			if err != nil {
				return err
			}
			defer logger.DeInit()

			result, err := c.Once(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("result: inserted_host_metrics=%d inserted_process_metrics=%d\n",
				result.InsertedHostMetrics, result.InsertedProcessMetrics)
			return nil
		},
	}

	root.AddCommand(run, once)
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("host-id", "", "host identifier sent with every sample")
	flags.Int("interval", 0, "seconds between samples")
	flags.String("sampler", "", "proc or synthetic")
	flags.Int("top", 0, "number of processes reported per sample")

	for key, flag := range map[string]string{
		"host_id":          "host-id",
		"interval_seconds": "interval",
		"sampler":          "sampler",
		"top_processes":    "top",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func build(v *viper.Viper, configFile string) (*collector.Collector, *util.MetricsLogger, error) {
	cfg, err := config.LoadCollector(v, configFile)
	if err != nil {
		return nil, nil, err
	}

	var logger util.MetricsLogger
	err = logger.Init(util.LoggerOptions{
		Dir:      cfg.Log.Dir,
		FileName: cfg.Log.File,
		Level:    cfg.Log.Level,
		Stderr:   cfg.Log.Stderr,
	})
	if err != nil {
		return nil, nil, err
	}

	var sampler collector.Sampler
	switch cfg.Sampler {
	case "synthetic":
		sampler = collector.NewSyntheticSampler(cfg.HostID, cfg.TopProcesses, cfg.Tags, time.Now().UnixNano())
	default:
		sampler = collector.NewProcSampler("/proc", cfg.HostID, cfg.TopProcesses, cfg.Tags)
	}

	pusher := collector.NewPusher(collector.PusherOptions{
		URL:      cfg.IngestURL(),
		Token:    cfg.APIToken,
		Timeout:  cfg.Timeout,
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
	}, nil, &logger)

	return collector.New(sampler, pusher, cfg.Interval(), &logger), &logger, nil
}
