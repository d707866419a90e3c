package restclient

import "strings"

// SymbolSet restricts an adapter to configured symbols. An empty set
// allows every symbol.
type SymbolSet map[string]struct{}

func NewSymbolSet(symbols []string) SymbolSet {
	set := make(SymbolSet, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func (s SymbolSet) Allow(symbol string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[strings.ToUpper(symbol)]
	return ok
}
