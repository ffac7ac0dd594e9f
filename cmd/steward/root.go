package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aixgo-dev/steward"
	"github.com/aixgo-dev/steward/internal/observability"
	"github.com/aixgo-dev/steward/pkg/config"
	"github.com/aixgo-dev/steward/pkg/render"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Terminal AI assistant with checkpoints and a safety gate",
	Long: `steward turns requests into plans, runs their tools in a sandbox,
previews every change as a diff and applies only what you approve.
Each apply is checkpointed so it can be undone.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute runs the root command.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return chatRun(cmd, "")
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default ~/.steward/config.yaml)")
	pf.StringP("workspace", "w", "", "Workspace directory (default current directory)")
	pf.String("policy", "", "Safety policy file")
	pf.String("role", "", "Actor role for permission checks")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Bool("auto-approve", false, "Answer every consent prompt with yes")
	pf.Bool("trust-workspace", false, "Let sessions touch the whole workspace, not only the policy's trusted paths")
	pf.String("metrics-addr", "", "Serve /metrics on this address")

	for key, flag := range map[string]string{
		"workspace":                  "workspace",
		"policy_path":                "policy",
		"role":                       "role",
		"log.level":                  "log-level",
		"orchestrator.auto_approve":  "auto-approve",
		"trust_workspace":            "trust-workspace",
		"observability.metrics_addr": "metrics-addr",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".steward"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("steward")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// loadConfig parses the file viper found, then applies flag and
// STEWARD_* overrides on top.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.ConfigFileUsed(); path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := config.LoadConfig(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}
	if v := viper.GetString("workspace"); v != "" {
		cfg.Workspace = v
	}
	if v := viper.GetString("policy_path"); v != "" {
		cfg.PolicyPath = v
	}
	if v := viper.GetString("role"); v != "" {
		cfg.Role = v
	}
	if v := viper.GetString("log.level"); v != "" {
		cfg.Log.Level = v
	}
	if viper.IsSet("trust_workspace") {
		cfg.TrustWorkspace = viper.GetBool("trust_workspace")
	}
	if viper.GetBool("orchestrator.auto_approve") {
		cfg.Orchestrator.AutoApprove = true
	}
	if v := viper.GetString("observability.metrics_addr"); v != "" {
		cfg.Observability.MetricsAddr = v
	}
	return cfg, nil
}

// openApp loads configuration, sets up logging and observability, and
// starts the runtime. The returned function releases everything.
func openApp(ctx context.Context, renderer render.Renderer, watch bool) (*steward.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	shutdown, err := steward.InitObservability(logger)
	if err != nil {
		logger.Warn("observability disabled", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	app, err := steward.New(ctx, cfg, steward.Options{
		Logger:      logger,
		Renderer:    renderer,
		WatchPolicy: watch,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	release := func() {
		ctx := context.WithoutCancel(ctx)
		if err := app.Close(ctx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		_ = shutdown(ctx)
	}
	return app, release, nil
}
