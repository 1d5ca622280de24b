package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/spoptimize/internal/asg"
	"github.com/yairfalse/spoptimize/internal/config"
	"github.com/yairfalse/spoptimize/internal/spot"
	"github.com/yairfalse/spoptimize/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	region     string
	profile    string
	debug      bool

	// Set up by PersistentPreRunE for every subcommand.
	cfg               *config.Config
	telemetryProvider *telemetry.Provider

	rootCmd = &cobra.Command{
		Use:   "spoptimize",
		Short: "Replace autoscaling instances with spot instances",
		Long: `spoptimize - spot requests from autoscaling launch configurations

Translates the launch configuration of an autoscaling group into a one-time
EC2 spot instance request, submits it and reports on its lifecycle.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`spoptimize {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVarP(&region, "region", "r", "", "AWS region (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "AWS shared config profile (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentPostRunE = shutdown
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if region != "" {
		loaded.AWS.Region = region
	}
	if loaded.AWS.Region == "" {
		loaded.AWS.Region = os.Getenv("AWS_REGION")
	}
	if profile != "" {
		loaded.AWS.Profile = profile
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = loaded

	if err := telemetry.SetupLogging(os.Stderr, cfg.Log.Level, debug); err != nil {
		return err
	}

	telemetryProvider, err = telemetry.NewProvider(cmd.Context(), cfg.OTEL)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	log.Debug().
		Str("region", cfg.AWS.Region).
		Str("profile", cfg.AWS.Profile).
		Msg("spoptimize starting")
	return nil
}

func shutdown(cmd *cobra.Command, _ []string) error {
	if telemetryProvider == nil {
		return nil
	}
	return telemetryProvider.Shutdown(cmd.Context())
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// clients builds the AWS backed services for one command run.
func clients(ctx context.Context) (*spot.Service, *asg.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}

	return spot.NewFromConfig(awsCfg), asg.NewFromConfig(awsCfg), nil
}
