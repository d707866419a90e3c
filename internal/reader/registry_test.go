package reader

import (
	"errors"
	"testing"

	"fundingflow/config"
	"fundingflow/internal/connector"
	"fundingflow/internal/rates"
)

func TestEveryExchangeBuildsWithMode(t *testing.T) {
	exchanges := Exchanges()
	if len(exchanges) != 12 {
		t.Fatalf("expected 12 adapters, got %d", len(exchanges))
	}
	for _, ex := range exchanges {
		src, err := Build(ex, config.ConnectorConfig{})
		if err != nil {
			t.Fatalf("%s: %v", ex, err)
		}
		if src.Exchange() != ex {
			t.Fatalf("%s adapter reports %s", ex, src.Exchange())
		}
		_, streams := src.(connector.Streamer)
		_, polls := src.(connector.Poller)
		if streams == polls {
			t.Fatalf("%s must implement exactly one acquisition mode", ex)
		}
		if _, ok := src.(connector.Rebuilder); !ok {
			t.Fatalf("%s does not support rebuild", ex)
		}
	}
}

func TestConventionsCoverRegistry(t *testing.T) {
	for _, ex := range Exchanges() {
		if _, ok := rates.Conventions[ex]; !ok {
			t.Fatalf("%s has no declared convention", ex)
		}
	}
}

func TestBuildUnknown(t *testing.T) {
	if _, err := Build("ftx", config.ConnectorConfig{}); !errors.Is(err, ErrUnknownExchange) {
		t.Fatalf("expected ErrUnknownExchange, got %v", err)
	}
}
