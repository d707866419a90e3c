package symbols

import "strings"

// aliases maps exchange-specific tickers for the same asset, keyed by
// exchange id. KuCoin and BitMEX still list bitcoin as XBT.
var aliases = map[string]map[string]string{
	"kucoin": {"XBT": "BTC"},
	"bitmex": {"XBT": "BTC"},
	"kraken": {"XBT": "BTC"},
}

func applyAlias(sym, exchange string) string {
	table, ok := aliases[exchange]
	if !ok {
		return sym
	}
	if canonical, ok := table[strings.ToUpper(sym)]; ok {
		return canonical
	}
	return sym
}
