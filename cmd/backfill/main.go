// Command backfill copies hour buckets from another database into the
// configured store, or from the configured store into the read replica.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/backfill"
	"fundingflow/internal/store"
	"fundingflow/logger"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	var (
		configPath = flag.String("config", defaultConfigPath, "Path to configuration file")
		modeFlag   = flag.String("mode", string(backfill.ModeIgnore), "Conflict mode: merge, ignore or replace")
		fromFlag   = flag.String("from", "", "Start hour, RFC3339 or YYYY-MM-DD (default: 24h before -to)")
		toFlag     = flag.String("to", "", "End hour, exclusive (default: next hour)")
		sourceDSN  = flag.String("source-dsn", "", "Source database; empty reads the configured store")
		targetDSN  = flag.String("target-dsn", "", "Target database; empty writes the read replica when reading the configured store, else the configured store")
		pageSize   = flag.Int("page-size", 500, "Rows per page")
		verify     = flag.Bool("verify", true, "Count rows in both stores afterwards")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	mode, err := backfill.ParseMode(*modeFlag)
	if err != nil {
		log.WithError(err).Error("invalid mode")
		os.Exit(2)
	}
	from, to, err := parseRange(*fromFlag, *toFlag, time.Now())
	if err != nil {
		log.WithError(err).Error("invalid range")
		os.Exit(2)
	}

	srcCfg, dstCfg := cfg.Store.Postgres, cfg.Store.Postgres
	switch {
	case *sourceDSN != "":
		srcCfg = config.PostgresConfig{DSN: *sourceDSN}
	case *targetDSN == "":
		dstCfg = cfg.Replica.Postgres
	}
	if *targetDSN != "" {
		dstCfg = config.PostgresConfig{DSN: *targetDSN, AutoMigrate: true}
	}

	src, err := openStore(srcCfg, false)
	if err != nil {
		log.WithError(err).Error("failed to open source store")
		os.Exit(1)
	}
	defer src.Close()
	dst, err := openStore(dstCfg, true)
	if err != nil {
		log.WithError(err).Error("failed to open target store")
		os.Exit(1)
	}
	defer dst.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	copier := backfill.New(src, dst, backfill.Options{Mode: mode, PageSize: *pageSize})
	res, err := copier.Run(ctx, from, to)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"written": res.Written}).Error("backfill failed")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"read":     res.Read,
		"written":  res.Written,
		"skipped":  res.Skipped,
		"pages":    res.Pages,
		"duration": res.Duration.String(),
	}).Info("backfill complete")

	if !*verify {
		return
	}
	v, err := copier.Verify(ctx, from, to)
	if err != nil {
		log.WithError(err).Error("verification failed")
		os.Exit(1)
	}
	entry := log.WithFields(logger.Fields{"source": v.Source, "target": v.Target, "missing": v.Missing})
	if !v.OK() {
		entry.Error("target is missing rows")
		os.Exit(1)
	}
	entry.Info("verification passed")
}

func openStore(cfg config.PostgresConfig, migrate bool) (*store.PostgresStore, error) {
	cfg.AutoMigrate = cfg.AutoMigrate && migrate
	return store.NewPostgresStore(store.OptionFromConfig(cfg))
}

// parseRange defaults to the 24 hours ending at the next hour boundary.
func parseRange(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	to := now.UTC().Truncate(time.Hour).Add(time.Hour)
	if toStr != "" {
		t, err := parseTime(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("-to: %w", err)
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if fromStr != "" {
		t, err := parseTime(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("-from: %w", err)
		}
		from = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("-from %s must be before -to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
