package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/microsim/api"
	"github.com/warp/microsim/config"
	"github.com/warp/microsim/countrypkg"
	"github.com/warp/microsim/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "fisca",
	Short: "Tax and benefit microsimulation engine",
	Long: "fisca evaluates tax and benefit legislation, described by a country package, " +
		"over populations of persons and groups.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default .fisca.yaml)")
	flags.String("country", "", "country package directory")
	flags.String("db", "", "SQLite database path")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.Int("max-cycles", 0, "cycle budget of each simulation (-1 disables it)")

	bindFlag(rootCmd, "country_dir", "country")
	bindFlag(rootCmd, "db_path", "db")
	bindFlag(rootCmd, "log_level", "log-level")
	bindFlag(rootCmd, "log_format", "log-format")
	bindFlag(rootCmd, "max_cycles", "max-cycles")
}

// bindFlag binds a persistent or local flag of cmd to a config key.
func bindFlag(cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		f = cmd.Flags().Lookup(flag)
	}
	if err := viper.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag, err))
	}
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".fisca")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("FISCA")
	viper.AutomaticEnv()

	// A missing config file leaves the defaults in place.
	_ = viper.ReadInConfig()
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// app is what every command needs: settings, a logger and the country
// package.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	pkg    *countrypkg.Package
}

func loadApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	pkg, err := countrypkg.Load(cfg.CountryDir, countrypkg.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("loading country package %s: %w", cfg.CountryDir, err)
	}
	return &app{cfg: cfg, logger: logger, pkg: pkg}, nil
}

func (a *app) runOptions() api.RunOptions {
	return api.RunOptions{
		MaxCycles: a.cfg.MaxCycles,
		Trace:     a.cfg.Trace,
		Debug:     a.cfg.Debug(),
		Logger:    a.logger,
	}
}

// openStore opens the configured database, creating its directory.
func (a *app) openStore() (*sqlite.Store, error) {
	if dir := filepath.Dir(a.cfg.DBPath); a.cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := sqlite.New(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", a.cfg.DBPath, err)
	}
	return store, nil
}
