package rates

import "strings"

// Encoding says how an exchange publishes its raw funding rate.
type Encoding int

const (
	// Fraction rates are per-interval fractions: 0.0001 means 0.01%.
	Fraction Encoding = iota
	// Percent rates are already percentages: 0.01 means 0.01%.
	Percent
)

func (e Encoding) String() string {
	if e == Percent {
		return "percent"
	}
	return "fraction"
}

type intervalKind int

const (
	kindFixed intervalKind = iota
	kindDetected
)

// IntervalPolicy is either Fixed(hours) or DetectedWithFallback(hours).
type IntervalPolicy struct {
	kind  intervalKind
	hours float64
}

// Fixed declares an interval every symbol of the exchange shares.
func Fixed(hours float64) IntervalPolicy {
	return IntervalPolicy{kind: kindFixed, hours: hours}
}

// DetectedWithFallback declares a per-symbol interval, supplied by the
// adapter or detected from funding timestamps, with a default when neither
// is available.
func DetectedWithFallback(defaultHours float64) IntervalPolicy {
	return IntervalPolicy{kind: kindDetected, hours: defaultHours}
}

func (p IntervalPolicy) IsFixed() bool { return p.kind == kindFixed }

// Hours is the fixed interval or the fallback default.
func (p IntervalPolicy) Hours() float64 { return p.hours }

// Convention is the declared funding-rate convention of one exchange.
type Convention struct {
	Exchange string
	Encoding Encoding
	Interval IntervalPolicy
}

const defaultIntervalHours = 8

// Conventions is the single declared table. Every adapter's exchange id
// must appear here; the conventions test enforces that.
var Conventions = map[string]Convention{
	"binance":     {Exchange: "binance", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"bybit":       {Exchange: "bybit", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"okx":         {Exchange: "okx", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"aster":       {Exchange: "aster", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"kucoin":      {Exchange: "kucoin", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"hyperliquid": {Exchange: "hyperliquid", Encoding: Fraction, Interval: Fixed(1)},
	"gateio":      {Exchange: "gateio", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"bitget":      {Exchange: "bitget", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"mexc":        {Exchange: "mexc", Encoding: Fraction, Interval: DetectedWithFallback(8)},
	"dydx":        {Exchange: "dydx", Encoding: Fraction, Interval: Fixed(1)},
	"paradex":     {Exchange: "paradex", Encoding: Fraction, Interval: Fixed(8)},
	"lighter":     {Exchange: "lighter", Encoding: Percent, Interval: Fixed(1)},
}

// Lookup returns the convention for exchange. Unknown exchanges get a
// fraction-encoded 8h fallback and ok=false.
func Lookup(exchange string) (Convention, bool) {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	if c, ok := Conventions[exchange]; ok {
		return c, true
	}
	return Convention{
		Exchange: exchange,
		Encoding: Fraction,
		Interval: DetectedWithFallback(defaultIntervalHours),
	}, false
}
