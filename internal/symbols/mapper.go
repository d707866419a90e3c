package symbols

import "strings"

// Normalize converts an exchange-native perpetual symbol to its canonical
// base asset, e.g. "BTC-USDT-SWAP" -> "BTC", "1000PEPEUSDT" -> "PEPE",
// "XBTUSDTM" -> "BTC". Unknown shapes fall through uppercased.
//
// A pass strips namespace prefixes, then contract and quote suffixes, then
// leverage markers, then applies exchange aliases. Passes repeat until one
// changes nothing, so the result is a fixed point and Normalize is
// idempotent. Each change shortens the symbol, uppercases it or replaces an
// alias with a name that is not itself an alias, so the loop terminates.
// A step that would leave an empty symbol is skipped, and a symbol that is
// itself a known asset such as TUSD keeps its quote-like tail.
func Normalize(raw, exchange string) string {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	sym := raw
	for {
		next := normalizePass(sym, exchange)
		if next == sym {
			return sym
		}
		sym = next
	}
}

func normalizePass(sym, exchange string) string {
	sym = strings.TrimSpace(sym)
	sym = stripPrefix(sym)
	sym = stripSuffix(sym)
	sym = stripLeverage(sym)
	sym = applyAlias(sym, exchange)
	return strings.ToUpper(sym)
}

var venuePrefixes = []string{"PERP_", "PF_", "PI_"}

func stripPrefix(sym string) string {
	if i := strings.LastIndex(sym, ":"); i >= 0 && i < len(sym)-1 {
		sym = sym[i+1:]
	}
	upper := strings.ToUpper(sym)
	for _, p := range venuePrefixes {
		if strings.HasPrefix(upper, p) && len(sym) > len(p) {
			return sym[len(p):]
		}
	}
	return sym
}

var contractSuffixes = []string{
	"-PERP", "_PERP", "-SWAP", "_SWAP", "_UMCBL", "_DMCBL", "_CMCBL", "USDTM", "USDM",
}

// Longest first so FDUSD is not read as USD.
var quoteAssets = []string{"FDUSD", "BUSD", "USDT", "USDC", "USDE", "USD"}

var quoteSeparators = []string{"-", "_", "/", ""}

// knownAssets end in a quote ticker but are listed as bases in their own
// right, so "TUSDUSDT" is TUSD while "TUSDT" is T.
var knownAssets = map[string]bool{
	"USD": true, "USDT": true, "USDC": true, "USDE": true, "BUSD": true, "FDUSD": true,
	"TUSD": true, "SUSD": true, "LUSD": true, "PYUSD": true,
}

// stripSuffix removes at most one contract suffix and one quote suffix.
func stripSuffix(sym string) string {
	if isKnownAsset(sym) {
		return sym
	}
	sym = trimFirstSuffix(sym, contractSuffixes)
	if isKnownAsset(sym) {
		return sym
	}
	for _, q := range quoteAssets {
		for _, sep := range quoteSeparators {
			if out := trimSuffixFold(sym, sep+q); out != sym {
				return out
			}
		}
	}
	return sym
}

func isKnownAsset(sym string) bool { return knownAssets[strings.ToUpper(sym)] }

var leveragePrefixes = []string{"1000000", "100000", "10000", "1000", "1M"}

func stripLeverage(sym string) string {
	if len(sym) > 1 && sym[0] == 'k' && isUpper(sym[1]) {
		return sym[1:]
	}
	upper := strings.ToUpper(sym)
	for _, p := range leveragePrefixes {
		if strings.HasPrefix(upper, p) && len(sym) > len(p) && isLetter(upper[len(p)]) {
			return sym[len(p):]
		}
	}
	if strings.HasSuffix(sym, "1000") && len(sym) > 4 && isLetter(sym[len(sym)-5]) {
		return sym[:len(sym)-4]
	}
	return sym
}

func trimFirstSuffix(sym string, suffixes []string) string {
	for _, s := range suffixes {
		if out := trimSuffixFold(sym, s); out != sym {
			return out
		}
	}
	return sym
}

// trimSuffixFold removes suffix case-insensitively, unless nothing would remain.
func trimSuffixFold(sym, suffix string) string {
	if len(sym) <= len(suffix) {
		return sym
	}
	if strings.EqualFold(sym[len(sym)-len(suffix):], suffix) {
		return sym[:len(sym)-len(suffix)]
	}
	return sym
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

func isLetter(b byte) bool { return isUpper(b) || (b >= 'a' && b <= 'z') }
