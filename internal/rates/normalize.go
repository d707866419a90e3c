package rates

import "math"

const hoursPerYear = 24 * 365

// IntervalSource records which interval assumption a Result used.
type IntervalSource string

const (
	SourceFixed    IntervalSource = "fixed"
	SourceOverride IntervalSource = "override"
	SourceFallback IntervalSource = "fallback"
)

// Result carries the normalized rates and the assumptions behind them.
type Result struct {
	HourlyRate     float64
	AnnualRate     float64
	IntervalHours  float64
	IntervalSource IntervalSource
	Encoding       Encoding
	// Known is false when the exchange has no declared convention.
	Known bool
}

// Normalize converts a raw funding rate to an hourly rate (in the raw
// encoding) and an annual percentage rate. intervalOverride is the
// per-symbol interval in hours; zero or invalid means none. Fixed-interval
// exchanges ignore it. Normalize never fails: NaN or infinite rates yield 0.
func Normalize(rawRate float64, exchange string, intervalOverride float64) Result {
	conv, known := Lookup(exchange)
	hours, source := ResolveInterval(conv, intervalOverride)

	res := Result{
		IntervalHours:  hours,
		IntervalSource: source,
		Encoding:       conv.Encoding,
		Known:          known,
	}
	if !finite(rawRate) {
		return res
	}

	res.HourlyRate = rawRate / hours
	res.AnnualRate = res.HourlyRate * hoursPerYear
	if conv.Encoding == Fraction {
		res.AnnualRate *= 100
	}
	return res
}

// ResolveInterval picks the interval for one symbol of an exchange.
func ResolveInterval(conv Convention, override float64) (float64, IntervalSource) {
	if conv.Interval.IsFixed() && conv.Interval.Hours() > 0 {
		return conv.Interval.Hours(), SourceFixed
	}
	if override > 0 && finite(override) {
		return override, SourceOverride
	}
	if conv.Interval.Hours() > 0 {
		return conv.Interval.Hours(), SourceFallback
	}
	return defaultIntervalHours, SourceFallback
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
