package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/stepflow/internal/config"
	"github.com/RealZimboGuy/stepflow/internal/controllers"
	"github.com/RealZimboGuy/stepflow/internal/handlers"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
)

func main() {
	//you may do your own logger setup here or use this default one with slog
	stepflow.SetupLogger()

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	serve := serveCmd()
	cmd := &cobra.Command{
		Use:   "stepflow",
		Short: "Sequential step processing engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadFile(configFile); err != nil {
				return fmt.Errorf("load config %s: %w", configFile, err)
			}
			stepflow.SetupLogger()
			return nil
		},
		RunE:          serve.RunE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Optional config file (yaml, json, toml)")
	cmd.AddCommand(serve, migrateCmd(), hashKeyCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the step workers, repair service and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := core.NewHandlerRegistry()
			registry.MustRegister(domain.StepTypeWebsiteLoading, handlers.NewWebsiteLoader())
			if err := stepflow.Start(ctx, registry, nil); err != nil {
				return err
			}
			slog.Info("Engine stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stepflow.Migrate(); err != nil {
				return err
			}
			slog.Info("Migrations applied")
			return nil
		},
	}
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash to configure as STEPFLOW_API_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := controllers.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
