package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Chichichkin/K8sLoggingAgent/internal/agent"
	"github.com/Chichichkin/K8sLoggingAgent/internal/config"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logger"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "agent",
		Short:   "Kubernetes node log delivery agent",
		Version: version,
		RunE:    runAgent,
	}
	addConfigFlags(rootCmd)

	rootCmd.AddCommand(
		runCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", os.Getenv("AGENT_CONFIG"), "Config file (yaml, toml or json)")
	cmd.Flags().String("log-level", "", "Override logging.level")
	cmd.Flags().Bool("log-pretty", false, "Human readable console logs")
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tail pod logs and deliver them to the log collector",
		RunE:  runAgent,
	}
	addConfigFlags(cmd)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("log-pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	return cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger.Init(logger.Config{
		Level:    cfg.Logging.Level,
		Pretty:   cfg.Logging.Pretty,
		Service:  cfg.Logging.Service,
		Instance: cfg.Logging.Instance,
		SampleN:  cfg.Logging.SampleN,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}
	a.Start(ctx)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	a.Stop()
	return nil
}
