// Package backfill copies hour buckets between stores: importing history
// from another database and mirroring the write store to a read replica.
package backfill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/internal/store"
	"fundingflow/logger"
)

// Mode decides what happens when a copied bucket already exists in the
// target.
type Mode string

const (
	// ModeMerge re-averages the two buckets by sample count inside the
	// target store, the same merge the aggregator commits with, so it is
	// safe alongside a running aggregator. Re-running a merge counts
	// samples twice; use it for sources that do not overlap the target.
	ModeMerge Mode = "merge"
	// ModeIgnore keeps the existing bucket, so re-runs are idempotent.
	ModeIgnore Mode = "ignore"
	// ModeReplace overwrites; only for targets with no other writer.
	ModeReplace Mode = "replace"
)

const defaultPageSize = 500

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeMerge, ModeIgnore, ModeReplace:
		return m, nil
	default:
		return "", fmt.Errorf("unknown copy mode %q", s)
	}
}

type Options struct {
	Mode     Mode
	PageSize int
}

// Result summarizes one copy.
type Result struct {
	Read     int
	Written  int
	Skipped  int
	Pages    int
	Duration time.Duration
}

type Copier struct {
	src  store.HourBucketStore
	dst  store.HourBucketStore
	opts Options
	log  *logger.Entry
}

func New(src, dst store.HourBucketStore, opts Options) *Copier {
	if opts.Mode == "" {
		opts.Mode = ModeIgnore
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Copier{
		src:  src,
		dst:  dst,
		opts: opts,
		log:  logger.GetLogger().WithComponent("backfill").WithFields(logger.Fields{"mode": string(opts.Mode)}),
	}
}

// Run copies every hour bucket with from <= hour < to, one page at a time.
// Each page is written before the next is read, so an interrupted run
// resumes safely in ignore or replace mode.
func (c *Copier) Run(ctx context.Context, from, to time.Time) (Result, error) {
	start := time.Now()
	var (
		res   Result
		after models.BucketKey
	)

	for {
		page, err := c.src.HourBucketPage(ctx, from, to, after, c.opts.PageSize)
		if err != nil {
			return res, fmt.Errorf("read source page: %w", err)
		}
		if len(page) == 0 {
			break
		}

		written, skipped, err := c.copyPage(ctx, page)
		if err != nil {
			return res, err
		}
		res.Read += len(page)
		res.Written += written
		res.Skipped += skipped
		res.Pages++
		metrics.RecordCopied(string(c.opts.Mode), written, skipped)

		if res.Pages%20 == 0 {
			c.log.WithFields(logger.Fields{"read": res.Read, "written": res.Written}).Info("copy progress")
		}
		if len(page) < c.opts.PageSize {
			break
		}
		after = page[len(page)-1].Key()
	}

	res.Duration = time.Since(start)
	c.log.WithFields(logger.Fields{
		"from":    from.Format(time.RFC3339),
		"to":      to.Format(time.RFC3339),
		"read":    res.Read,
		"written": res.Written,
		"skipped": res.Skipped,
	}).Info("hour bucket copy complete")
	return res, nil
}

func (c *Copier) copyPage(ctx context.Context, page []models.HourBucket) (written, skipped int, err error) {
	switch c.opts.Mode {
	case ModeIgnore:
		written, err = c.dst.InsertHourBuckets(ctx, page)
		if err != nil {
			return 0, 0, fmt.Errorf("write target page: %w", err)
		}
		return written, len(page) - written, nil
	case ModeMerge:
		err = c.dst.MergeHourBuckets(ctx, page)
	default:
		err = c.dst.UpsertHourBuckets(ctx, page)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("write target page: %w", err)
	}
	return len(page), 0, nil
}

// Verification compares both stores over a range.
type Verification struct {
	Source  int
	Target  int
	Missing int
}

func (v Verification) OK() bool { return v.Missing == 0 }

// Verify counts buckets in both stores and how many source keys the
// target lacks.
func (c *Copier) Verify(ctx context.Context, from, to time.Time) (Verification, error) {
	var v Verification

	target, err := countPages(ctx, c.dst, from, to, c.opts.PageSize, nil)
	if err != nil {
		return v, fmt.Errorf("count target: %w", err)
	}
	v.Target = target

	v.Source, err = countPages(ctx, c.src, from, to, c.opts.PageSize, func(page []models.HourBucket) error {
		keys := make([]models.BucketKey, len(page))
		for i, b := range page {
			keys[i] = b.Key()
		}
		found, err := c.dst.HourBuckets(ctx, keys)
		if err != nil {
			return err
		}
		v.Missing += len(keys) - len(found)
		return nil
	})
	if err != nil {
		return v, fmt.Errorf("count source: %w", err)
	}
	return v, nil
}

func countPages(ctx context.Context, s store.HourBucketStore, from, to time.Time, pageSize int, fn func([]models.HourBucket) error) (int, error) {
	var (
		n     int
		after models.BucketKey
	)
	for {
		page, err := s.HourBucketPage(ctx, from, to, after, pageSize)
		if err != nil {
			return n, err
		}
		n += len(page)
		if fn != nil && len(page) > 0 {
			if err := fn(page); err != nil {
				return n, err
			}
		}
		if len(page) < pageSize {
			return n, nil
		}
		after = page[len(page)-1].Key()
	}
}
