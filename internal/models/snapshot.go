package models

import "time"

// RawSnapshot is one observation of one (exchange, symbol) pair. The
// primary key makes a repeated observation overwrite the earlier row.
type RawSnapshot struct {
	Exchange        string    `gorm:"primaryKey;size:32"`
	Symbol          string    `gorm:"primaryKey;size:64"`
	ObservedAt      time.Time `gorm:"primaryKey;index"`
	CanonicalSymbol string    `gorm:"size:32;index"`

	MarkPrice            float64
	IndexPrice           float64
	OpenInterest         float64
	OpenInterestUSD      float64 `gorm:"column:open_interest_usd"`
	VolumeBase           float64
	VolumeQuote          float64
	FundingRate          float64
	FundingIntervalHours float64
	NextFundingTime      *time.Time
	IngestedAt           time.Time
}

func (RawSnapshot) TableName() string { return "raw_snapshots" }

func (s RawSnapshot) Key() SnapshotKey {
	return SnapshotKey{Exchange: s.Exchange, Symbol: s.Symbol, ObservedAt: s.ObservedAt.UnixMilli()}
}

// SnapshotFromUpdate builds the row written for u. ObservedAt is truncated
// to the millisecond so the key survives a round trip through the store.
// A missing USD open interest is derived from the mark price.
func SnapshotFromUpdate(u MarketUpdate, canonical string, ingestedAt time.Time) RawSnapshot {
	snap := RawSnapshot{
		Exchange:             u.Exchange,
		Symbol:               u.Symbol,
		CanonicalSymbol:      canonical,
		ObservedAt:           u.ObservedAt.UTC().Truncate(time.Millisecond),
		MarkPrice:            u.MarkPrice,
		IndexPrice:           u.IndexPrice,
		OpenInterest:         u.OpenInterest,
		OpenInterestUSD:      u.OpenInterestUSD,
		VolumeBase:           u.VolumeBase,
		VolumeQuote:          u.VolumeQuote,
		FundingRate:          u.FundingRate,
		FundingIntervalHours: u.FundingIntervalHours,
		IngestedAt:           ingestedAt.UTC(),
	}
	if !u.Has(FieldOpenInterestUSD) && u.Has(FieldOpenInterest) && u.MarkPrice > 0 {
		snap.OpenInterestUSD = u.OpenInterest * u.MarkPrice
	}
	if !u.NextFundingTime.IsZero() {
		next := u.NextFundingTime.UTC()
		snap.NextFundingTime = &next
	}
	return snap
}
