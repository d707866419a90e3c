package store

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The SQL below mirrors models.BucketStats.MergeStats for ON CONFLICT DO
// UPDATE, where "market_history" is the stored row and "excluded" the
// incoming one. Every right-hand side reads pre-update values.

const volatilitySQL = "CASE WHEN mark_price = 0 THEN 0 ELSE (max_price - min_price) / mark_price END"

// countedAverages pairs each average column with the count that weights it.
var countedAverages = []struct{ col, count string }{
	{"mark_price", "price_samples"},
	{"index_price", "index_samples"},
	{"open_interest", "oi_samples"},
	{"open_interest_usd", "oi_usd_samples"},
	{"avg_funding_rate", "sample_count"},
	{"avg_hourly_rate", "sample_count"},
	{"avg_funding_rate_annual", "sample_count"},
}

var summedColumns = []string{
	"volume_base", "volume_quote",
	"sample_count", "price_samples", "index_samples", "oi_samples", "oi_usd_samples",
}

func assign(col, sql string) clause.Assignment {
	return clause.Assignment{Column: clause.Column{Name: col}, Value: gorm.Expr(sql)}
}

// weightedSQL keeps the stored average when the incoming row has no samples
// for it and adopts the incoming one when the stored row has none.
func weightedSQL(col, count string) string {
	return fmt.Sprintf(
		"CASE WHEN excluded.%[2]s <= 0 THEN market_history.%[1]s "+
			"WHEN market_history.%[2]s <= 0 THEN excluded.%[1]s "+
			"ELSE (market_history.%[1]s * market_history.%[2]s + excluded.%[1]s * excluded.%[2]s) / (market_history.%[2]s + excluded.%[2]s) END",
		col, count)
}

func hourMergeSet() clause.Set {
	out := make(clause.Set, 0, 24)
	for _, a := range countedAverages {
		out = append(out, assign(a.col, weightedSQL(a.col, a.count)))
	}
	for _, col := range summedColumns {
		out = append(out, assign(col, fmt.Sprintf("market_history.%[1]s + excluded.%[1]s", col)))
	}
	out = append(out,
		assign("min_price", "CASE WHEN market_history.min_price <= 0 THEN excluded.min_price "+
			"WHEN excluded.min_price <= 0 THEN market_history.min_price "+
			"ELSE LEAST(market_history.min_price, excluded.min_price) END"),
		assign("max_price", "GREATEST(market_history.max_price, excluded.max_price)"),
		assign("min_funding_rate", "LEAST(market_history.min_funding_rate, excluded.min_funding_rate)"),
		assign("max_funding_rate", "GREATEST(market_history.max_funding_rate, excluded.max_funding_rate)"),
		assign("max_open_interest_usd", "GREATEST(market_history.max_open_interest_usd, excluded.max_open_interest_usd)"),
		assign("canonical_symbol", "CASE WHEN excluded.canonical_symbol <> '' THEN excluded.canonical_symbol ELSE market_history.canonical_symbol END"),
		assign("funding_interval_hours", "CASE WHEN excluded.funding_interval_hours > 0 THEN excluded.funding_interval_hours ELSE market_history.funding_interval_hours END"),
		assign("interval_source", "CASE WHEN excluded.funding_interval_hours > 0 THEN excluded.interval_source ELSE market_history.interval_source END"),
		assign("updated_at", "excluded.updated_at"),
	)
	return out
}
