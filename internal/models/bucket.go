package models

import (
	"math"
	"time"
)

// BucketStats holds the statistics shared by minute and hour buckets.
// Column names follow the market_history table downstream readers use.
type BucketStats struct {
	CanonicalSymbol string `gorm:"size:32;index"`

	AvgPrice      float64 `gorm:"column:mark_price"`
	MinPrice      float64
	MaxPrice      float64
	AvgIndexPrice float64 `gorm:"column:index_price"`
	Volatility    float64

	VolumeBase  float64
	VolumeQuote float64

	AvgOpenInterest    float64 `gorm:"column:open_interest"`
	AvgOpenInterestUSD float64 `gorm:"column:open_interest_usd"`
	MaxOpenInterestUSD float64 `gorm:"column:max_open_interest_usd"`

	AvgFundingRate float64
	MinFundingRate float64
	MaxFundingRate float64
	AvgHourlyRate  float64
	AvgAnnualRate  float64 `gorm:"column:avg_funding_rate_annual"`

	FundingIntervalHours float64
	IntervalSource       string `gorm:"size:16"`
	SampleCount          int64

	// Not every sample carries a price or open interest, so those averages
	// are weighted by their own counts rather than SampleCount.
	PriceSamples int64 `gorm:"column:price_samples;not null;default:0"`
	IndexSamples int64 `gorm:"column:index_samples;not null;default:0"`
	OISamples    int64 `gorm:"column:oi_samples;not null;default:0"`
	OIUSDSamples int64 `gorm:"column:oi_usd_samples;not null;default:0"`
}

// MinuteBucket aggregates the snapshots of one pair over one minute.
type MinuteBucket struct {
	Exchange   string    `gorm:"primaryKey;size:32"`
	Symbol     string    `gorm:"primaryKey;size:64"`
	BucketTime time.Time `gorm:"primaryKey;index"`
	BucketStats
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MinuteBucket) TableName() string { return "minute_buckets" }

func (b MinuteBucket) Key() BucketKey { return NewBucketKey(b.Exchange, b.Symbol, b.BucketTime) }

// HourBucket is the durable record. Once written it only changes through
// MergeStats.
type HourBucket struct {
	Exchange string    `gorm:"primaryKey;size:32"`
	Symbol   string    `gorm:"primaryKey;size:64"`
	HourTime time.Time `gorm:"primaryKey;column:hour_timestamp;index"`
	BucketStats
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (HourBucket) TableName() string { return "market_history" }

func (b HourBucket) Key() BucketKey { return NewBucketKey(b.Exchange, b.Symbol, b.HourTime) }

// Volatility is (max-min)/avg, or 0 when avg is 0.
func Volatility(min, max, avg float64) float64 {
	if avg == 0 {
		return 0
	}
	return (max - min) / avg
}

// MergeStats folds o into s so a late batch for an existing bucket
// re-averages instead of overwriting. Funding averages are weighted by
// SampleCount; price and open interest averages by their own counts, and a
// side that never saw the field does not move the average.
func (s *BucketStats) MergeStats(o BucketStats) {
	if o.SampleCount <= 0 {
		return
	}
	if s.SampleCount <= 0 {
		*s = o
		return
	}

	s.AvgPrice = weightedMean(s.AvgPrice, s.PriceSamples, o.AvgPrice, o.PriceSamples)
	s.AvgIndexPrice = weightedMean(s.AvgIndexPrice, s.IndexSamples, o.AvgIndexPrice, o.IndexSamples)
	s.AvgOpenInterest = weightedMean(s.AvgOpenInterest, s.OISamples, o.AvgOpenInterest, o.OISamples)
	s.AvgOpenInterestUSD = weightedMean(s.AvgOpenInterestUSD, s.OIUSDSamples, o.AvgOpenInterestUSD, o.OIUSDSamples)
	s.AvgFundingRate = weightedMean(s.AvgFundingRate, s.SampleCount, o.AvgFundingRate, o.SampleCount)
	s.AvgHourlyRate = weightedMean(s.AvgHourlyRate, s.SampleCount, o.AvgHourlyRate, o.SampleCount)
	s.AvgAnnualRate = weightedMean(s.AvgAnnualRate, s.SampleCount, o.AvgAnnualRate, o.SampleCount)

	s.MinPrice = minPositive(s.MinPrice, o.MinPrice)
	s.MaxPrice = math.Max(s.MaxPrice, o.MaxPrice)
	s.MinFundingRate = math.Min(s.MinFundingRate, o.MinFundingRate)
	s.MaxFundingRate = math.Max(s.MaxFundingRate, o.MaxFundingRate)
	s.MaxOpenInterestUSD = math.Max(s.MaxOpenInterestUSD, o.MaxOpenInterestUSD)

	s.VolumeBase += o.VolumeBase
	s.VolumeQuote += o.VolumeQuote
	s.SampleCount += o.SampleCount
	s.PriceSamples += o.PriceSamples
	s.IndexSamples += o.IndexSamples
	s.OISamples += o.OISamples
	s.OIUSDSamples += o.OIUSDSamples

	if o.CanonicalSymbol != "" {
		s.CanonicalSymbol = o.CanonicalSymbol
	}
	if o.FundingIntervalHours > 0 {
		s.FundingIntervalHours = o.FundingIntervalHours
		s.IntervalSource = o.IntervalSource
	}
	s.Volatility = Volatility(s.MinPrice, s.MaxPrice, s.AvgPrice)
}

// weightedMean combines two averages by their sample counts. A side with no
// samples contributes nothing.
func weightedMean(a float64, na int64, b float64, nb int64) float64 {
	switch {
	case nb <= 0:
		return a
	case na <= 0:
		return b
	}
	n1, n2 := float64(na), float64(nb)
	return (a*n1 + b*n2) / (n1 + n2)
}

func minPositive(a, b float64) float64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return math.Min(a, b)
	}
}
