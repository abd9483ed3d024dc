// Command relay polls a directory and consumes a Kafka topic, routing both
// into one handler with at-least-once delivery.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshlong-attic/leveling-up-kafka/internal/config"
	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/pipeline"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Route polled files and Kafka records into one handler",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("profile") {
				profile, _ := cmd.Flags().GetString("profile")
				cfg.Profile = config.Profile(profile)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			if cmd.Flags().Changed("publish") {
				cfg.Publish.Enabled, _ = cmd.Flags().GetBool("publish")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg)
		},
	}

	rootCmd.Flags().StringP("config", "c", "", "config file (yaml, json or toml); RELAY_* env vars override it")
	rootCmd.Flags().StringP("profile", "p", "", "assembly to run: integration, file, log or basics")
	rootCmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.Flags().Bool("publish", false, "publish the greeting and enable the outbound sender")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	log.Info().
		Str("version", version).
		Str("profile", string(cfg.Profile)).
		Strs("brokers", cfg.Kafka.Brokers).
		Str("dir", cfg.Files.Dir).
		Msg("starting relay")

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to assemble pipeline")
		return err
	}

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("pipeline exited")
		return err
	}

	log.Info().Msg("relay stopped")
	return nil
}
