// Package main applies the license schema migrations to PostgreSQL.
//
// The database URL comes from -db, or else from the keyforge config file and
// environment (store.database_url / DATABASE_URL), the same sources licensectl reads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MacJediWizard/keyforge/internal/config"
	"github.com/MacJediWizard/keyforge/internal/db"
	"github.com/rs/zerolog"
)

type options struct {
	configPath string
	dbURL      string
	status     bool
	list       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "keyforge config file (default ~/.keyforge/config.yml)")
	flag.StringVar(&opts.dbURL, "db", "", "database URL, overrides the config")
	flag.BoolVar(&opts.status, "status", false, "show applied and pending migrations")
	flag.BoolVar(&opts.list, "list", false, "list embedded migrations")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "keyforge-migrate").
		Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		logger.Fatal().Err(err).Msg("migrate failed")
	}
}

func run(ctx context.Context, opts options, out io.Writer, logger zerolog.Logger) error {
	migrations, err := db.GetMigrations()
	if err != nil {
		return err
	}
	if opts.list {
		printMigrations(out, migrations, -1)
		return nil
	}

	url, err := databaseURL(opts)
	if err != nil {
		return err
	}

	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 2
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if opts.status {
		version, err := database.CurrentVersion(ctx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		printMigrations(out, migrations, version)
		return nil
	}

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read schema version")
		return nil
	}
	logger.Info().Int("version", version).Int("available", len(migrations)).Msg("license schema up to date")
	return nil
}

var errNoDatabaseURL = errors.New("database URL required: pass -db, set store.database_url in the config, or set DATABASE_URL")

// databaseURL resolves the target database. -db wins; otherwise the config
// must select the postgres driver, since the SQLite store migrates itself on open.
func databaseURL(opts options) (string, error) {
	if opts.dbURL != "" {
		return opts.dbURL, nil
	}

	path := opts.configPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	if cfg.Store.DatabaseURL == "" {
		return "", errNoDatabaseURL
	}
	if cfg.Store.Driver != config.DriverPostgres {
		return "", fmt.Errorf("store driver is %q; only the %s store uses this tool", cfg.Store.Driver, config.DriverPostgres)
	}
	return cfg.Store.DatabaseURL, nil
}

// printMigrations lists migrations. With applied >= 0 each line is marked
// applied or pending against that schema version.
func printMigrations(out io.Writer, migrations []db.Migration, applied int) {
	if len(migrations) == 0 {
		fmt.Fprintln(out, "No migrations found")
		return
	}
	if applied >= 0 {
		fmt.Fprintf(out, "Schema version: %d\n", applied)
	}
	for _, m := range migrations {
		switch {
		case applied < 0:
			fmt.Fprintf(out, "  %03d: %s\n", m.Version, m.Name)
		case m.Version <= applied:
			fmt.Fprintf(out, "  %03d: %s (applied)\n", m.Version, m.Name)
		default:
			fmt.Fprintf(out, "  %03d: %s (pending)\n", m.Version, m.Name)
		}
	}
}
