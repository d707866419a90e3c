package models

import "time"

// Field marks which values of a MarketUpdate carry data.
type Field uint16

const (
	FieldMarkPrice Field = 1 << iota
	FieldIndexPrice
	FieldOpenInterest
	FieldOpenInterestUSD
	FieldVolumeBase
	FieldVolumeQuote
	FieldFundingRate
	FieldFundingInterval
	FieldNextFundingTime
)

// MarketUpdate is what every exchange adapter produces. Stream adapters
// often publish partial updates (funding on one channel, mark price on
// another); Fields says which values are present so they can be merged.
type MarketUpdate struct {
	Exchange string
	Symbol   string
	Fields   Field

	MarkPrice            float64
	IndexPrice           float64
	OpenInterest         float64
	OpenInterestUSD      float64
	VolumeBase           float64
	VolumeQuote          float64
	FundingRate          float64
	FundingIntervalHours float64
	NextFundingTime      time.Time
	ObservedAt           time.Time
}

func (u *MarketUpdate) Has(f Field) bool { return u.Fields&f == f }

func (u *MarketUpdate) SetMarkPrice(v float64) *MarketUpdate {
	u.MarkPrice = v
	u.Fields |= FieldMarkPrice
	return u
}

func (u *MarketUpdate) SetIndexPrice(v float64) *MarketUpdate {
	u.IndexPrice = v
	u.Fields |= FieldIndexPrice
	return u
}

func (u *MarketUpdate) SetOpenInterest(v float64) *MarketUpdate {
	u.OpenInterest = v
	u.Fields |= FieldOpenInterest
	return u
}

func (u *MarketUpdate) SetOpenInterestUSD(v float64) *MarketUpdate {
	u.OpenInterestUSD = v
	u.Fields |= FieldOpenInterestUSD
	return u
}

func (u *MarketUpdate) SetVolume(base, quote float64) *MarketUpdate {
	u.VolumeBase = base
	u.VolumeQuote = quote
	u.Fields |= FieldVolumeBase | FieldVolumeQuote
	return u
}

func (u *MarketUpdate) SetFundingRate(v float64) *MarketUpdate {
	u.FundingRate = v
	u.Fields |= FieldFundingRate
	return u
}

// SetFundingInterval records a declared interval; non-positive values are ignored.
func (u *MarketUpdate) SetFundingInterval(hours float64) *MarketUpdate {
	if hours > 0 {
		u.FundingIntervalHours = hours
		u.Fields |= FieldFundingInterval
	}
	return u
}

func (u *MarketUpdate) SetNextFundingTime(t time.Time) *MarketUpdate {
	if !t.IsZero() {
		u.NextFundingTime = t.UTC()
		u.Fields |= FieldNextFundingTime
	}
	return u
}

// Merge copies every field present in o onto u. The observation time moves
// forward only.
func (u *MarketUpdate) Merge(o MarketUpdate) {
	if u.Exchange == "" {
		u.Exchange = o.Exchange
	}
	if u.Symbol == "" {
		u.Symbol = o.Symbol
	}
	if o.Has(FieldMarkPrice) {
		u.MarkPrice = o.MarkPrice
	}
	if o.Has(FieldIndexPrice) {
		u.IndexPrice = o.IndexPrice
	}
	if o.Has(FieldOpenInterest) {
		u.OpenInterest = o.OpenInterest
	}
	if o.Has(FieldOpenInterestUSD) {
		u.OpenInterestUSD = o.OpenInterestUSD
	}
	if o.Has(FieldVolumeBase) {
		u.VolumeBase = o.VolumeBase
	}
	if o.Has(FieldVolumeQuote) {
		u.VolumeQuote = o.VolumeQuote
	}
	if o.Has(FieldFundingRate) {
		u.FundingRate = o.FundingRate
	}
	if o.Has(FieldFundingInterval) {
		u.FundingIntervalHours = o.FundingIntervalHours
	}
	if o.Has(FieldNextFundingTime) {
		u.NextFundingTime = o.NextFundingTime
	}
	u.Fields |= o.Fields
	if o.ObservedAt.After(u.ObservedAt) {
		u.ObservedAt = o.ObservedAt
	}
}
