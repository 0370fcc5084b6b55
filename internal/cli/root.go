// Package cli implements the command-line interface for fitsync.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/auth"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/config"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/normalize"
	"github.com/colthorp/fitsync-go/internal/observability"
	"github.com/colthorp/fitsync-go/internal/output"
	"github.com/colthorp/fitsync-go/internal/service"
)

// Global flags
var (
	verbose    bool
	quiet      bool
	raw        bool
	configPath string
	timezone   string
	weightUnit string
	noCache    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "fitsync",
	Short:         "fitsync – nutrition and training log from the terminal",
	Long:          `A command-line client for the FitSync nutrition and fitness tracking service.`,
	Version:       core.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", api.UserMessage(err))
		os.Exit(1)
	}
}

func init() {
	// Persistent flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress progress messages")
	rootCmd.PersistentFlags().BoolVar(&raw, "raw", false, "Emit raw JSON instead of markdown")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSONC config file")
	rootCmd.PersistentFlags().StringVar(&timezone, "timezone", "", fmt.Sprintf("Timezone for date calculations (default: %s)", core.DefaultTZ))
	rootCmd.PersistentFlags().StringVar(&weightUnit, "unit", "", "Weight unit for display: kg, lb or st")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Do not read or write the on-disk cache")
}

// app is everything a command needs, built once per invocation.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	session *auth.Session
	svc     *service.Service
	loc     *time.Location
	unit    normalize.Unit
	out     io.Writer
}

func loadConfig() (config.Config, error) {
	cfg, _, err := config.Load(configPath, os.Environ())
	if err != nil {
		return config.Config{}, err
	}
	if timezone != "" {
		cfg.Timezone = timezone
	}
	if weightUnit != "" {
		cfg.WeightUnit = weightUnit
	}
	if noCache {
		cfg.PersistCache = false
	}
	return cfg, cfg.Validate()
}

// newSession prefers a token from the environment over the saved login.
func newSession(cfg config.Config, logger *zap.Logger) (*auth.Session, error) {
	if cfg.Token != "" {
		s := auth.NewSession(nil, nil, logger)
		return s, s.Login(auth.Tokens{AccessToken: cfg.Token})
	}
	s := auth.NewSession(nil, auth.NewFileStore(core.CredentialsPath()), logger)
	if _, err := s.Restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := core.NewLogger(verbose, cfg.Environment)
	if err != nil {
		return nil, err
	}
	session, err := newSession(cfg, logger)
	if err != nil {
		return nil, err
	}
	unit, err := normalize.ParseUnit(cfg.WeightUnit)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cfg.APIBaseURL, session,
		api.WithLogger(logger.Named("api")),
		api.WithTimeout(cfg.RequestTimeout),
	)
	opts := []service.Option{
		service.WithLocation(cfg.Location()),
		service.WithLogger(logger),
		service.WithMetrics(observability.NewCollector("fitsync")),
		service.WithTimeout(cfg.RequestTimeout),
		service.WithPollInterval(cfg.PollInterval),
		service.WithStaleness(cfg.StaleAfter),
	}
	if cfg.PersistCache {
		opts = append(opts, service.WithBackend(cache.NewFilesystemBackend(cfg.CacheDir)))
	}
	svc := service.New(client, opts...)
	if n := svc.Hydrate(); n > 0 {
		logger.Debug("warm cache loaded", zap.Int("entries", n))
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		session: session,
		svc:     svc,
		loc:     cfg.Location(),
		unit:    unit,
		out:     cmd.OutOrStdout(),
	}, nil
}

func (a *app) Close() {
	if err := a.svc.Close(); err != nil {
		a.logger.Warn("failed to persist cache", zap.Error(err))
	}
	a.logger.Sync()
}

// note prints a freshness hint for non-fresh data on stderr.
func note[T any](v service.View[T]) {
	if msg := output.Freshness(v.Status, v.FetchedAt, v.Err); msg != "" {
		core.ProgressPrint(msg, quiet)
	}
}
