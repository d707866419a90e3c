// Package reader maps exchange ids to their adapters.
package reader

import (
	"errors"
	"fmt"
	"sort"

	"fundingflow/config"
	"fundingflow/internal/connector"
	"fundingflow/internal/rates"
	"fundingflow/internal/reader/aster"
	"fundingflow/internal/reader/binance"
	"fundingflow/internal/reader/bitget"
	"fundingflow/internal/reader/bybit"
	"fundingflow/internal/reader/dydx"
	"fundingflow/internal/reader/gateio"
	"fundingflow/internal/reader/hyperliquid"
	"fundingflow/internal/reader/kucoin"
	"fundingflow/internal/reader/lighter"
	"fundingflow/internal/reader/mexc"
	"fundingflow/internal/reader/okx"
	"fundingflow/internal/reader/paradex"
)

var ErrUnknownExchange = errors.New("unknown exchange")

type factory func(cfg config.ConnectorConfig) connector.Source

var factories = map[string]factory{
	binance.Exchange:     func(cfg config.ConnectorConfig) connector.Source { return binance.New(cfg) },
	bybit.Exchange:       func(cfg config.ConnectorConfig) connector.Source { return bybit.New(cfg) },
	okx.Exchange:         func(cfg config.ConnectorConfig) connector.Source { return okx.New(cfg) },
	aster.Exchange:       func(cfg config.ConnectorConfig) connector.Source { return aster.New(cfg) },
	kucoin.Exchange:      func(cfg config.ConnectorConfig) connector.Source { return kucoin.New(cfg) },
	hyperliquid.Exchange: func(cfg config.ConnectorConfig) connector.Source { return hyperliquid.New(cfg) },
	gateio.Exchange:      func(cfg config.ConnectorConfig) connector.Source { return gateio.New(cfg) },
	bitget.Exchange:      func(cfg config.ConnectorConfig) connector.Source { return bitget.New(cfg) },
	mexc.Exchange:        func(cfg config.ConnectorConfig) connector.Source { return mexc.New(cfg) },
	dydx.Exchange:        func(cfg config.ConnectorConfig) connector.Source { return dydx.New(cfg) },
	paradex.Exchange:     func(cfg config.ConnectorConfig) connector.Source { return paradex.New(cfg) },
	lighter.Exchange:     func(cfg config.ConnectorConfig) connector.Source { return lighter.New(cfg) },
}

// Build returns the adapter for exchange. Every registered exchange has a
// declared rate convention.
func Build(exchange string, cfg config.ConnectorConfig) (connector.Source, error) {
	f, ok := factories[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	if _, known := rates.Lookup(exchange); !known {
		return nil, fmt.Errorf("%s: no funding rate convention declared", exchange)
	}
	return f(cfg), nil
}

// Exchanges lists the registered exchange ids in order.
func Exchanges() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
