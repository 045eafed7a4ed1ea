// Package main is the entrypoint for the licensectl CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/MacJediWizard/keyforge/internal/config"
	"github.com/MacJediWizard/keyforge/internal/db"
	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/MacJediWizard/keyforge/internal/localstore"
	"github.com/MacJediWizard/keyforge/internal/lock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "licensectl",
		Short: "Issue, validate and administer license keys",
		Long: `licensectl manages encrypted license keys backed by SQLite or PostgreSQL.

Run 'licensectl init' to write a config file with a fresh secret.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.keyforge/config.yml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(opts),
		newCreateCmd(opts),
		newBatchCmd(opts),
		newValidateCmd(opts),
		newActivateCmd(opts),
		newUpdateCmd(opts),
		newRevokeCmd(opts),
		newListCmd(opts),
		newHistoryCmd(opts),
		newExpireCmd(opts),
		newSweepCmd(opts),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "licensectl %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// app holds the services a command runs against.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     license.Store
	codec     *license.Codec
	manager   *license.Manager
	validator *license.Validator
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newOfflineValidator needs only the shared secret; no store or locker is opened.
func (o *globalOptions) newOfflineValidator() (*license.OfflineValidator, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	codec, err := license.NewCodec(cfg.Secret)
	if err != nil {
		return nil, err
	}
	return license.NewOfflineValidator(codec, nil, nil), nil
}

// newApp loads the config and wires the store, locker and services.
func (o *globalOptions) newApp(ctx context.Context, recorder license.Recorder) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	a.codec, err = license.NewCodec(cfg.Secret)
	if err != nil {
		return nil, err
	}

	a.manager, err = license.NewManager(license.ManagerConfig{
		Codec:      a.codec,
		Store:      a.store,
		TrialDays:  cfg.TrialDays,
		ValidYears: cfg.ValidYears,
		Recorder:   recorder,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a.validator, err = license.NewValidator(license.ValidatorConfig{
		Codec:          a.codec,
		Store:          a.store,
		Locker:         locker,
		MaxActivations: cfg.MaxActivations,
		LockTimeout:    cfg.LockTimeout,
		Recorder:       recorder,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		dbCfg := db.DefaultConfig(a.cfg.Store.DatabaseURL)
		dbCfg.MaxConns = 10
		dbCfg.MinConns = 1

		database, err := db.New(ctx, dbCfg, a.logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, database.Close)

		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		a.logger.Debug().Fields(database.Health()).Msg("license database ready")
		a.store = db.NewLicenseStore(database)
	default:
		store, err := localstore.Open(a.cfg.Store.SQLitePath, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to close license database")
			}
		})
		a.store = store
	}
	return nil
}

func (a *app) newLocker(ctx context.Context) (license.Locker, error) {
	if a.cfg.RedisURL == "" {
		return lock.NewKeyedMutex(), nil
	}

	client, err := lock.NewRedisClient(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return lock.NewRedisLocker(lock.RedisConfig{Client: client, Logger: a.logger})
}

// newLogger builds a console or JSON logger at the given level.
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := zerolog.New(w).With().Timestamp().Str("version", Version).Logger().Level(lvl)
	if format != "json" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger, nil
}

// exitReason wraps err with its stable reason code for the terminal.
func exitReason(err error) error {
	if err == nil {
		return nil
	}
	reason := license.ReasonOf(err)
	if reason == license.ReasonUnknown {
		return err
	}
	return fmt.Errorf("%s (%s): %w", reason.Message(), reason, err)
}

var errNoKey = errors.New("a license key is required")
