package connector

import (
	"context"
	"time"

	"fundingflow/internal/models"
)

// Source is an exchange adapter. It must also implement Streamer or Poller.
type Source interface {
	Exchange() string
}

// Streamer adapts one exchange's websocket feed.
type Streamer interface {
	Source
	// Endpoint returns the URL to dial; it may discover instruments first.
	Endpoint(ctx context.Context) (string, error)
	// Subscribe sends the subscription requests over a fresh session.
	Subscribe(ctx context.Context, send func(v interface{}) error) error
	// Decode turns one frame into updates. Frames that carry no market
	// data (acks, pongs) return nil, nil.
	Decode(msg []byte) ([]models.MarketUpdate, error)
	KeepAlive() KeepAlive
}

// Poller adapts one exchange's REST snapshot endpoints.
type Poller interface {
	Source
	// Poll fetches every symbol once. Per-symbol payload problems are
	// skipped inside Poll; an error means the whole request failed.
	Poll(ctx context.Context) ([]models.MarketUpdate, error)
}

// Rebuilder is implemented by sources that hold connection state (HTTP
// clients, cached instrument lists) which must be discarded after too many
// consecutive failures.
type Rebuilder interface {
	Rebuild() error
}

// KeepAlive describes how a stream session is kept open.
type KeepAlive struct {
	// Interval between pings. Zero disables pinging.
	Interval time.Duration
	// Message is sent as a text frame instead of a ping control frame
	// when set, for venues that expect an application-level "ping".
	Message []byte
	// ReadTimeout closes a silent session. Zero uses three intervals.
	ReadTimeout time.Duration
	// SessionLimit rotates the session before the remote's own cutoff.
	SessionLimit time.Duration
}

func (k KeepAlive) readTimeout() time.Duration {
	if k.ReadTimeout > 0 {
		return k.ReadTimeout
	}
	if k.Interval > 0 {
		return 3 * k.Interval
	}
	return time.Minute
}
