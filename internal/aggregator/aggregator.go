// Package aggregator rolls raw snapshots into minute buckets and minute
// buckets into hour buckets. Each pass reads a bounded batch, groups rows
// by the floor of their timestamp, merges into existing buckets by sample
// count and commits the upsert together with the delete of its source
// rows. A pass that fails before the commit leaves its input in place and
// the next run redoes it.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/internal/rates"
	"fundingflow/logger"
)

const (
	PassMinute = "minute"
	PassHour   = "hour"

	defaultBatchSize       = 5000
	defaultSafetyMargin    = 2 * time.Minute
	defaultMinuteRetention = time.Hour
)

// Store is the part of the datastore the aggregator moves rows through.
type Store interface {
	PendingSnapshots(ctx context.Context, before time.Time, limit int) ([]models.RawSnapshot, error)
	MinuteBuckets(ctx context.Context, keys []models.BucketKey) ([]models.MinuteBucket, error)
	CommitMinuteBuckets(ctx context.Context, buckets []models.MinuteBucket, consumed []models.SnapshotKey) error
	PendingMinuteBuckets(ctx context.Context, before time.Time, limit int) ([]models.MinuteBucket, error)
	CommitHourBuckets(ctx context.Context, buckets []models.HourBucket, consumed []models.BucketKey) error
}

type Options struct {
	// SafetyMargin keeps the minute pass clear of in-flight flushes.
	SafetyMargin time.Duration
	// MinuteRetention is how long minute buckets stay before the hour
	// pass consumes them.
	MinuteRetention time.Duration
	// BatchSize caps the rows one pass reads.
	BatchSize int
	Now       func() time.Time
}

func OptionsFromConfig(cfg config.AggregatorConfig) Options {
	return Options{
		SafetyMargin:    cfg.SnapshotSafetyMargin,
		MinuteRetention: cfg.MinuteRetention,
		BatchSize:       cfg.BatchSize,
	}
}

// PassResult describes one committed (or empty) pass.
type PassResult struct {
	ID       uuid.UUID
	Pass     string
	Cutoff   time.Time
	Consumed int
	Buckets  int
	// Merged counts minute buckets that already existed and were
	// re-averaged. Hour merges happen inside the store and are not counted.
	Merged   int
	Duration time.Duration
}

type Aggregator struct {
	store Store
	opts  Options
	log   *logger.Entry

	// mu keeps the two passes from interleaving on the minute table.
	mu sync.Mutex
}

func New(store Store, opts Options) *Aggregator {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = defaultSafetyMargin
	}
	if opts.MinuteRetention <= 0 {
		opts.MinuteRetention = defaultMinuteRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		store: store,
		opts:  opts,
		log:   logger.GetLogger().WithComponent("aggregator"),
	}
}

// RollupMinutes consumes one batch of snapshots older than the safety
// margin into minute buckets.
func (a *Aggregator) RollupMinutes(ctx context.Context) (PassResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	res := PassResult{
		ID:     uuid.New(),
		Pass:   PassMinute,
		Cutoff: a.opts.Now().UTC().Add(-a.opts.SafetyMargin).Truncate(time.Minute),
	}
	log := a.log.WithFields(logger.Fields{"pass": res.Pass, "pass_id": res.ID.String()})

	snaps, err := a.store.PendingSnapshots(ctx, res.Cutoff, a.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("read pending snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return res, nil
	}

	intervals := latestIntervals(snaps)
	groups := make(map[models.BucketKey][]models.RawSnapshot)
	consumed := make([]models.SnapshotKey, 0, len(snaps))
	for _, s := range snaps {
		k := models.NewBucketKey(s.Exchange, s.Symbol, s.ObservedAt.UTC().Truncate(time.Minute))
		groups[k] = append(groups[k], s)
		consumed = append(consumed, s.Key())
	}

	keys := sortedKeys(groups)
	existing, err := a.store.MinuteBuckets(ctx, keys)
	if err != nil {
		return res, fmt.Errorf("read minute buckets: %w", err)
	}
	byKey := make(map[models.BucketKey]models.MinuteBucket, len(existing))
	for _, b := range existing {
		byKey[b.Key()] = b
	}

	now := a.opts.Now().UTC()
	buckets := make([]models.MinuteBucket, 0, len(keys))
	for _, k := range keys {
		stats := snapshotStats(groups[k], intervals[models.PairKey{Exchange: k.Exchange, Symbol: k.Symbol}])
		b, ok := byKey[k]
		if ok {
			b.MergeStats(stats)
			res.Merged++
		} else {
			b = models.MinuteBucket{
				Exchange:    k.Exchange,
				Symbol:      k.Symbol,
				BucketTime:  k.Time(),
				BucketStats: stats,
				CreatedAt:   now,
			}
		}
		b.UpdatedAt = now
		buckets = append(buckets, b)
	}

	if err := a.store.CommitMinuteBuckets(ctx, buckets, consumed); err != nil {
		return res, fmt.Errorf("commit minute buckets: %w", err)
	}

	res.Consumed = len(consumed)
	res.Buckets = len(buckets)
	res.Duration = time.Since(start)
	metrics.ObservePass(res.Pass, res.Consumed, res.Buckets, res.Duration)
	logger.LogDataFlowEntry(log, "raw_snapshots", "minute_buckets", res.Consumed, "snapshot")
	log.WithFields(logger.Fields{"buckets": res.Buckets, "merged": res.Merged}).Debug("minute pass committed")
	return res, nil
}

// RollupHours consumes one batch of minute buckets from whole hours older
// than the minute retention into hour buckets.
func (a *Aggregator) RollupHours(ctx context.Context) (PassResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	res := PassResult{
		ID:     uuid.New(),
		Pass:   PassHour,
		Cutoff: a.opts.Now().UTC().Add(-a.opts.MinuteRetention).Truncate(time.Hour),
	}
	log := a.log.WithFields(logger.Fields{"pass": res.Pass, "pass_id": res.ID.String()})

	minutes, err := a.store.PendingMinuteBuckets(ctx, res.Cutoff, a.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("read pending minute buckets: %w", err)
	}
	if len(minutes) == 0 {
		return res, nil
	}

	groups := make(map[models.BucketKey]models.BucketStats)
	consumed := make([]models.BucketKey, 0, len(minutes))
	for _, m := range minutes {
		k := models.NewBucketKey(m.Exchange, m.Symbol, m.BucketTime.UTC().Truncate(time.Hour))
		stats := groups[k]
		stats.MergeStats(m.BucketStats)
		groups[k] = stats
		consumed = append(consumed, m.Key())
	}

	// The store folds each bucket into any hour already written, by this
	// pass or by an import, under the row lock.
	keys := sortedKeys(groups)
	now := a.opts.Now().UTC()
	buckets := make([]models.HourBucket, 0, len(keys))
	for _, k := range keys {
		buckets = append(buckets, models.HourBucket{
			Exchange:    k.Exchange,
			Symbol:      k.Symbol,
			HourTime:    k.Time(),
			BucketStats: groups[k],
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := a.store.CommitHourBuckets(ctx, buckets, consumed); err != nil {
		return res, fmt.Errorf("commit hour buckets: %w", err)
	}

	res.Consumed = len(consumed)
	res.Buckets = len(buckets)
	res.Duration = time.Since(start)
	metrics.ObservePass(res.Pass, res.Consumed, res.Buckets, res.Duration)
	logger.LogDataFlowEntry(log, "minute_buckets", "market_history", res.Consumed, "minute_bucket")
	log.WithFields(logger.Fields{"buckets": res.Buckets}).Debug("hour pass committed")
	return res, nil
}

// MinuteJob and HourJob adapt the passes to scheduler jobs.
func (a *Aggregator) MinuteJob(ctx context.Context) error {
	_, err := a.RollupMinutes(ctx)
	return err
}

func (a *Aggregator) HourJob(ctx context.Context) error {
	_, err := a.RollupHours(ctx)
	return err
}

// latestIntervals resolves one declared interval per pair for the whole
// pass: the most recent non-zero value in the batch.
func latestIntervals(snaps []models.RawSnapshot) map[models.PairKey]float64 {
	out := make(map[models.PairKey]float64)
	seen := make(map[models.PairKey]time.Time)
	for _, s := range snaps {
		if s.FundingIntervalHours <= 0 {
			continue
		}
		pk := models.PairKey{Exchange: s.Exchange, Symbol: s.Symbol}
		if t, ok := seen[pk]; ok && t.After(s.ObservedAt) {
			continue
		}
		seen[pk] = s.ObservedAt
		out[pk] = s.FundingIntervalHours
	}
	return out
}

// snapshotStats computes the statistics of one minute group. Prices and
// open interest average over the samples that carry them; funding rates
// average over every sample.
func snapshotStats(snaps []models.RawSnapshot, interval float64) models.BucketStats {
	var (
		stats              models.BucketStats
		priceSum, indexSum float64
		priceN, indexN     int
		oiSum, oiUSDSum    float64
		oiN, oiUSDN        int
		rateSum            float64
		latest             time.Time
	)

	for i, s := range snaps {
		if !s.ObservedAt.Before(latest) {
			latest = s.ObservedAt
			if s.CanonicalSymbol != "" {
				stats.CanonicalSymbol = s.CanonicalSymbol
			}
		}

		if s.MarkPrice > 0 {
			if priceN == 0 || s.MarkPrice < stats.MinPrice {
				stats.MinPrice = s.MarkPrice
			}
			if s.MarkPrice > stats.MaxPrice {
				stats.MaxPrice = s.MarkPrice
			}
			priceSum += s.MarkPrice
			priceN++
		}
		if s.IndexPrice > 0 {
			indexSum += s.IndexPrice
			indexN++
		}
		if s.OpenInterest > 0 {
			oiSum += s.OpenInterest
			oiN++
		}
		if s.OpenInterestUSD > 0 {
			oiUSDSum += s.OpenInterestUSD
			oiUSDN++
			if s.OpenInterestUSD > stats.MaxOpenInterestUSD {
				stats.MaxOpenInterestUSD = s.OpenInterestUSD
			}
		}

		stats.VolumeBase += s.VolumeBase
		stats.VolumeQuote += s.VolumeQuote

		if i == 0 || s.FundingRate < stats.MinFundingRate {
			stats.MinFundingRate = s.FundingRate
		}
		if i == 0 || s.FundingRate > stats.MaxFundingRate {
			stats.MaxFundingRate = s.FundingRate
		}
		rateSum += s.FundingRate
	}

	n := len(snaps)
	stats.SampleCount = int64(n)
	stats.PriceSamples = int64(priceN)
	stats.IndexSamples = int64(indexN)
	stats.OISamples = int64(oiN)
	stats.OIUSDSamples = int64(oiUSDN)
	stats.AvgPrice = mean(priceSum, priceN)
	stats.AvgIndexPrice = mean(indexSum, indexN)
	stats.AvgOpenInterest = mean(oiSum, oiN)
	stats.AvgOpenInterestUSD = mean(oiUSDSum, oiUSDN)
	stats.AvgFundingRate = mean(rateSum, n)
	stats.Volatility = models.Volatility(stats.MinPrice, stats.MaxPrice, stats.AvgPrice)

	if n > 0 {
		norm := rates.Normalize(stats.AvgFundingRate, snaps[0].Exchange, interval)
		stats.AvgHourlyRate = norm.HourlyRate
		stats.AvgAnnualRate = norm.AnnualRate
		stats.FundingIntervalHours = norm.IntervalHours
		stats.IntervalSource = string(norm.IntervalSource)
	}
	return stats
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func sortedKeys[V any](m map[models.BucketKey]V) []models.BucketKey {
	keys := make([]models.BucketKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Unix != keys[j].Unix {
			return keys[i].Unix < keys[j].Unix
		}
		if keys[i].Exchange != keys[j].Exchange {
			return keys[i].Exchange < keys[j].Exchange
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}
