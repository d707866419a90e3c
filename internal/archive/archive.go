// Package archive exports completed hours of market_history to parquet,
// partitioned by date and hour, on S3 and/or a local directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/internal/store"
	"fundingflow/logger"
)

const (
	defaultPrefix         = "market_history"
	defaultDelay          = 2 * time.Hour
	defaultPageSize       = 1000
	defaultMaxHoursPerRun = 24
)

var ErrNoDestination = errors.New("archive has no destination")

type Options struct {
	Prefix      string
	Compression string
	// Delay is how long after its end an hour is considered final.
	Delay    time.Duration
	PageSize int
	// MaxHoursPerRun bounds the catch-up done by one Run.
	MaxHoursPerRun int
	Version        string
	Now            func() time.Time
}

func OptionsFromConfig(cfg config.ArchiveConfig, version string) Options {
	return Options{
		Prefix:      cfg.Prefix,
		Compression: cfg.Compression,
		Delay:       cfg.Delay,
		Version:     version,
	}
}

// Object describes one exported hour.
type Object struct {
	Key       string
	Hour      time.Time
	Rows      int
	Size      int64
	Locations []string
}

type Archiver struct {
	src       store.HourBucketStore
	dests     []Destination
	manifests map[string]*Manifest
	opts      Options
	log       *logger.Entry

	mu sync.Mutex
	// watermark is the start of the last exported hour.
	watermark time.Time
}

func New(src store.HourBucketStore, dests []Destination, opts Options) (*Archiver, error) {
	if len(dests) == 0 {
		return nil, ErrNoDestination
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	if opts.Delay <= 0 {
		opts.Delay = defaultDelay
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxHoursPerRun <= 0 {
		opts.MaxHoursPerRun = defaultMaxHoursPerRun
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	manifests := make(map[string]*Manifest, len(dests))
	for _, d := range dests {
		manifests[d.Name()] = NewManifest(opts.Prefix)
	}
	return &Archiver{
		src:       src,
		dests:     dests,
		manifests: manifests,
		opts:      opts,
		log:       logger.GetLogger().WithComponent("archive"),
	}, nil
}

// Watermark returns the start of the last exported hour.
func (a *Archiver) Watermark() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// SetWatermark makes the next Run continue after hour.
func (a *Archiver) SetWatermark(hour time.Time) {
	a.mu.Lock()
	a.watermark = hour.UTC().Truncate(time.Hour)
	a.mu.Unlock()
}

// latestFinalHour is the start of the newest hour that ended at least
// Delay ago.
func (a *Archiver) latestFinalHour() time.Time {
	return a.opts.Now().UTC().Add(-a.opts.Delay).Truncate(time.Hour).Add(-time.Hour)
}

// Run exports every final hour after the watermark, oldest first. With no
// watermark it starts at the latest final hour. A failed hour stops the
// run and is retried by the next one.
func (a *Archiver) Run(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	latest := a.latestFinalHour()
	next := latest
	if !a.watermark.IsZero() {
		next = a.watermark.Add(time.Hour)
	}

	exported := 0
	for i := 0; i < a.opts.MaxHoursPerRun && !next.After(latest); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := a.exportHour(ctx, next)
		if err != nil {
			return fmt.Errorf("archive hour %s: %w", next.Format(time.RFC3339), err)
		}
		a.watermark = next
		if obj.Rows > 0 {
			exported++
		}
		next = next.Add(time.Hour)
	}
	if exported > 0 {
		a.log.WithFields(logger.Fields{"objects": exported, "watermark": a.watermark.Format(time.RFC3339)}).Info("archive run complete")
	}
	return nil
}

// ExportHour exports one hour regardless of the watermark. Re-exporting
// an hour overwrites its object.
func (a *Archiver) ExportHour(ctx context.Context, hour time.Time) (Object, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exportHour(ctx, hour.UTC().Truncate(time.Hour))
}

func (a *Archiver) exportHour(ctx context.Context, hour time.Time) (Object, error) {
	obj := Object{Hour: hour, Key: a.objectKey(hour)}

	buckets, err := a.readHour(ctx, hour)
	if err != nil {
		return obj, err
	}
	if len(buckets) == 0 {
		return obj, nil
	}

	start := time.Now()
	data, err := encodeParquet(buckets, a.opts.Compression)
	if err != nil {
		return obj, err
	}
	obj.Rows = len(buckets)
	obj.Size = int64(len(data))

	meta := map[string]string{
		"content-type":        "parquet",
		"compression":         a.opts.Compression,
		"fundingflow-version": a.opts.Version,
	}
	log := a.log.WithFields(logger.Fields{"key": obj.Key, "rows": obj.Rows, "file_size": obj.Size})
	for _, dest := range a.dests {
		loc, err := dest.Put(ctx, obj.Key, data, meta)
		if err != nil {
			return obj, fmt.Errorf("%s: %w", dest.Name(), err)
		}
		obj.Locations = append(obj.Locations, loc)

		df := DataFile{
			Path:        loc,
			FileSize:    obj.Size,
			RecordCount: int64(obj.Rows),
			Partition: map[string]any{
				"date": hour.Format("2006-01-02"),
				"hour": hour.Hour(),
			},
			Timestamp: hour,
		}
		if err := a.manifests[dest.Name()].AddFile(ctx, dest, df); err != nil {
			log.WithError(err).WithFields(logger.Fields{"destination": dest.Name()}).Warn("failed to update archive metadata")
		}
	}

	metrics.RecordArchive(1)
	logger.LogPerformanceEntry(log, "archive", "export_hour", time.Since(start), nil)
	log.Info("archived hour")
	return obj, nil
}

func (a *Archiver) readHour(ctx context.Context, hour time.Time) ([]models.HourBucket, error) {
	var (
		out   []models.HourBucket
		after models.BucketKey
	)
	for {
		page, err := a.src.HourBucketPage(ctx, hour, hour.Add(time.Hour), after, a.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("read hour buckets: %w", err)
		}
		out = append(out, page...)
		if len(page) < a.opts.PageSize {
			return out, nil
		}
		after = page[len(page)-1].Key()
	}
}

func (a *Archiver) objectKey(hour time.Time) string {
	return filepath.ToSlash(filepath.Join(
		a.opts.Prefix,
		fmt.Sprintf("date=%s", hour.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", hour.Hour()),
		fmt.Sprintf("%s_%s.parquet", filepath.Base(a.opts.Prefix), hour.Format("2006010215")),
	))
}
