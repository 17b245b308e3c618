package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"threat-assembler/internal/app"
	"threat-assembler/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "threatgen",
		Short:        "Builds per-resolver threat caches from the data grid",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPrintConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled generators with the gRPC and HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				log.Printf("config: %v", err)
				return err
			}

			if err := app.Run(ctx, cfg); err != nil {
				log.Printf("app error: %v", err)
				return err
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Refresh the snapshot and publish every resolver once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				log.Printf("config: %v", err)
				return err
			}

			if err := app.RunOnce(ctx, cfg); err != nil {
				log.Printf("run failed: %v", err)
				return err
			}
			log.Printf("run: all resolvers published")
			return nil
		},
	}
}

func newPrintConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Redis.Password != "" {
				cfg.Redis.Password = "***"
			}
			if cfg.S3.SecretKey != "" {
				cfg.S3.SecretKey = "***"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
