package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fundingflow/internal/models"
	"fundingflow/internal/store"
)

var fastBackoff = Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func allSnapshots(t *testing.T, s *store.MemoryStore) []models.RawSnapshot {
	t.Helper()
	snaps, err := s.PendingSnapshots(context.Background(), time.Now().Add(time.Hour), 1000)
	if err != nil {
		t.Fatalf("pending snapshots: %v", err)
	}
	return snaps
}

type fakePoller struct {
	exchange string
	err      error
	polls    atomic.Int64
	rebuilds atomic.Int64
}

func (p *fakePoller) Exchange() string { return p.exchange }

func (p *fakePoller) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	p.polls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	u := models.MarketUpdate{Symbol: "BTC"}
	u.SetFundingRate(0.0000125).SetMarkPrice(65000).SetOpenInterest(10)
	return []models.MarketUpdate{u}, nil
}

func (p *fakePoller) Rebuild() error {
	p.rebuilds.Add(1)
	return nil
}

func TestPollConnectorWritesSnapshots(t *testing.T) {
	mem := store.NewMemoryStore()
	src := &fakePoller{exchange: "hyperliquid"}
	c := New(src, mem, Options{PollInterval: time.Hour, Backoff: fastBackoff})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	waitFor(t, time.Second, func() bool { return c.State() == StateRunning })
	c.Stop()

	if c.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
	snaps := allSnapshots(t, mem)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	snap := snaps[0]
	if snap.Exchange != "hyperliquid" || snap.CanonicalSymbol != "BTC" {
		t.Fatalf("unexpected snapshot identity: %+v", snap)
	}
	if snap.FundingIntervalHours != 1 {
		t.Fatalf("fixed interval not applied: %v", snap.FundingIntervalHours)
	}
	if snap.OpenInterestUSD != 650000 {
		t.Fatalf("open interest usd not derived: %v", snap.OpenInterestUSD)
	}

	h, ok, err := mem.Health(context.Background(), "hyperliquid")
	if err != nil || !ok {
		t.Fatalf("health not persisted: %v %v", ok, err)
	}
	if h.State != "stopped" || h.SessionID == "" || h.LastMessageAt.IsZero() {
		t.Fatalf("unexpected health row: %+v", h)
	}

	// Stop is idempotent.
	c.Stop()
}

func TestConnectorRebuildsAfterThreshold(t *testing.T) {
	mem := store.NewMemoryStore()
	src := &fakePoller{exchange: "gateio", err: errors.New("connection refused")}
	c := New(src, mem, Options{PollInterval: time.Hour, ErrorThreshold: 2, Backoff: fastBackoff})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return src.rebuilds.Load() >= 1 })
	c.Stop()

	h := c.Health()
	if h.RestartCount < 1 {
		t.Fatalf("expected a counted restart, got %+v", h)
	}
	if h.LastError == "" {
		t.Fatalf("last error not recorded")
	}
	if n := len(allSnapshots(t, mem)); n != 0 {
		t.Fatalf("failed polls must not write, got %d rows", n)
	}
}

func TestConnectorRestartCounts(t *testing.T) {
	src := &fakePoller{exchange: "dydx"}
	c := New(src, store.NewMemoryStore(), Options{PollInterval: time.Hour, Backoff: fastBackoff})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := c.Health().SessionID
	if err := c.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer c.Stop()

	h := c.Health()
	if h.RestartCount != 1 {
		t.Fatalf("expected restart count 1, got %d", h.RestartCount)
	}
	if h.SessionID == first {
		t.Fatalf("restart should open a new session")
	}
}

type noMode struct{}

func (noMode) Exchange() string { return "nothing" }

func TestStartRejectsSourceWithoutMode(t *testing.T) {
	c := New(noMode{}, store.NewMemoryStore(), Options{})
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoMode) {
		t.Fatalf("expected ErrNoMode, got %v", err)
	}
}

type tick struct {
	Symbol string  `json:"s"`
	Rate   float64 `json:"r"`
	Mark   float64 `json:"p"`
}

type fakeStreamer struct {
	url        string
	keepAlive  KeepAlive
	subscribed atomic.Int64
}

func (s *fakeStreamer) Exchange() string { return "binance" }

func (s *fakeStreamer) Endpoint(context.Context) (string, error) { return s.url, nil }

func (s *fakeStreamer) Subscribe(ctx context.Context, send func(v interface{}) error) error {
	s.subscribed.Add(1)
	return send(map[string]string{"op": "subscribe"})
}

func (s *fakeStreamer) Decode(msg []byte) ([]models.MarketUpdate, error) {
	var tk tick
	if err := json.Unmarshal(msg, &tk); err != nil {
		return nil, err
	}
	if tk.Symbol == "" {
		return nil, nil
	}
	u := models.MarketUpdate{Symbol: tk.Symbol}
	u.SetFundingRate(tk.Rate).SetMarkPrice(tk.Mark)
	return []models.MarketUpdate{u}, nil
}

func (s *fakeStreamer) KeepAlive() KeepAlive { return s.keepAlive }

func newTickServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		frames := []string{
			`{"result":null,"id":1}`,
			`not json`,
			`{"s":"BTCUSDT","r":0.0001,"p":65000}`,
			`{"s":"1000PEPEUSDT","r":0.0003,"p":0.01}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamConnectorBuffersAndFlushes(t *testing.T) {
	srv := newTickServer(t)
	mem := store.NewMemoryStore()
	src := &fakeStreamer{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	c := New(src, mem, Options{FlushInterval: 20 * time.Millisecond, Backoff: fastBackoff})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(allSnapshots(t, mem)) == 2 })
	c.Stop()

	bySymbol := map[string]models.RawSnapshot{}
	for _, s := range allSnapshots(t, mem) {
		bySymbol[s.Symbol] = s
	}
	if got := bySymbol["BTCUSDT"].CanonicalSymbol; got != "BTC" {
		t.Fatalf("unexpected canonical symbol %q", got)
	}
	if got := bySymbol["1000PEPEUSDT"].CanonicalSymbol; got != "PEPE" {
		t.Fatalf("unexpected canonical symbol %q", got)
	}
	if h := c.Health(); h.ConsecutiveErrors != 0 || h.LastMessageAt.IsZero() {
		t.Fatalf("malformed frames must not count as connection failures: %+v", h)
	}
}

func TestStreamSessionRotation(t *testing.T) {
	srv := newTickServer(t)
	src := &fakeStreamer{
		url:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		keepAlive: KeepAlive{Interval: 10 * time.Millisecond, SessionLimit: 50 * time.Millisecond},
	}
	c := New(src, store.NewMemoryStore(), Options{FlushInterval: 20 * time.Millisecond, Backoff: fastBackoff})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return src.subscribed.Load() >= 3 })
	c.Stop()

	h := c.Health()
	if h.ReconnectCount < 2 {
		t.Fatalf("expected rotations counted as reconnects, got %+v", h)
	}
	if h.ConsecutiveErrors != 0 {
		t.Fatalf("rotation must not count as failure: %+v", h)
	}
}

func TestFlushRequeuesOnWriteFailure(t *testing.T) {
	sink := &failingSink{MemoryStore: store.NewMemoryStore()}
	c := New(&fakeStreamer{}, sink, Options{})

	u := models.MarketUpdate{Exchange: "binance", Symbol: "ETHUSDT", ObservedAt: time.Now()}
	u.SetFundingRate(0.0001)
	c.buffer.Apply(time.Now(), []models.MarketUpdate{u})

	sink.fail.Store(true)
	if err := c.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	sink.fail.Store(false)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := len(allSnapshots(t, sink.MemoryStore)); n != 1 {
		t.Fatalf("requeued symbol not written, got %d rows", n)
	}
}

func TestFlushLoopRecordsWriteFailureInHealth(t *testing.T) {
	sink := &failingSink{MemoryStore: store.NewMemoryStore()}
	c := New(&fakeStreamer{}, sink, Options{FlushInterval: 10 * time.Millisecond})

	u := models.MarketUpdate{Exchange: "binance", Symbol: "ETHUSDT", ObservedAt: time.Now()}
	u.SetFundingRate(0.0001)
	c.buffer.Apply(time.Now(), []models.MarketUpdate{u})
	sink.fail.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.flushLoop(ctx)
		close(done)
	}()
	waitFor(t, 2*time.Second, func() bool { return strings.Contains(c.Health().LastError, "datastore unavailable") })
	cancel()
	<-done

	persisted, ok, err := sink.Health(context.Background(), "binance")
	if err != nil || !ok {
		t.Fatalf("health not persisted: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(persisted.LastError, "write snapshots") {
		t.Fatalf("persisted last error %q", persisted.LastError)
	}
}

type failingSink struct {
	*store.MemoryStore
	fail atomic.Bool
}

func (s *failingSink) InsertSnapshots(ctx context.Context, snaps []models.RawSnapshot) error {
	if s.fail.Load() {
		return errors.New("datastore unavailable")
	}
	return s.MemoryStore.InsertSnapshots(ctx, snaps)
}
