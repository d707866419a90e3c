// Package connector runs one exchange adapter: it owns the adapter's
// session or poll loop, its in-memory buffer, its snapshot writes and its
// health row. Connectors share no mutable state with each other.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/internal/rates"
	"fundingflow/internal/store"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
)

const (
	defaultFlushInterval  = 5 * time.Second
	defaultPollInterval   = time.Minute
	defaultErrorThreshold = 5
	defaultEvictAfter     = 10 * time.Minute
	healthPersistInterval = 15 * time.Second
	finalFlushTimeout     = 5 * time.Second
)

// Sink is where a connector writes. Both tables are owned by the connector
// for its exchange.
type Sink interface {
	store.SnapshotWriter
	store.HealthWriter
}

type Options struct {
	// FlushInterval is the stream-mode flush cadence.
	FlushInterval time.Duration
	// PollInterval is the poll-mode cadence, aligned to wall-clock
	// boundaries.
	PollInterval time.Duration
	// Timeout bounds one poll; it is kept shorter than PollInterval.
	Timeout time.Duration
	// ErrorThreshold is how many consecutive failures are tolerated
	// before the source is rebuilt.
	ErrorThreshold int
	Backoff        Backoff
	// EvictAfter drops buffered symbols that stopped updating.
	EvictAfter time.Duration
	LocalIP    string
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Timeout <= 0 || o.Timeout >= o.PollInterval {
		o.Timeout = o.PollInterval * 3 / 4
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = defaultErrorThreshold
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.EvictAfter <= 0 {
		o.EvictAfter = defaultEvictAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Connector struct {
	source Source
	sink   Sink
	opts   Options
	log    *logger.Entry
	conv   rates.Convention

	// mu serializes Start and Stop.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	healthMu    sync.Mutex
	state       atomic.Uint32
	health      atomic.Pointer[models.ConnectorHealth]
	lastPersist time.Time

	// failures counts consecutive failures since the last success; it
	// drives the backoff and is not reset by a rebuild.
	failures atomic.Int64

	// flushMu orders writes; bufMu guards the buffer and detector.
	flushMu  sync.Mutex
	bufMu    sync.Mutex
	buffer   *Buffer
	detector *rates.Detector
}

func New(source Source, sink Sink, opts Options) *Connector {
	exchange := source.Exchange()
	conv, _ := rates.Lookup(exchange)
	c := &Connector{
		source:   source,
		sink:     sink,
		opts:     opts.withDefaults(),
		log:      logger.GetLogger().WithExchange("connector", exchange),
		conv:     conv,
		buffer:   NewBuffer(),
		detector: rates.NewDetector(),
	}
	c.health.Store(&models.ConnectorHealth{Exchange: exchange, State: StateStopped.String()})
	return c
}

func (c *Connector) Exchange() string { return c.source.Exchange() }

func (c *Connector) State() State { return State(c.state.Load()) }

// Health returns a copy of the current health. It never blocks on the
// connector's loop.
func (c *Connector) Health() models.ConnectorHealth { return *c.health.Load() }

// Start launches the acquisition loop. It returns ErrAlreadyRunning when
// the connector is active.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyRunning
	}
	_, streams := c.source.(Streamer)
	_, polls := c.source.(Poller)
	if !streams && !polls {
		return fmt.Errorf("%s: %w", c.Exchange(), ErrNoMode)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.failures.Store(0)

	now := c.opts.Now()
	c.setState(nil, StateStarting, func(h *models.ConnectorHealth) {
		h.StartedAt = now
		h.SessionID = uuid.NewString()
		h.ConsecutiveErrors = 0
		h.LastError = ""
	})

	go c.run(runCtx, done)

	mode := "poll"
	if streams {
		mode = "stream"
	}
	c.log.WithFields(logger.Fields{"mode": mode}).Info("connector started")
	return nil
}

// Stop cancels in-flight work, closes any open session and waits for every
// goroutine before returning. It is a no-op on a stopped connector.
func (c *Connector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.setState(nil, StateStopped, nil)
	c.log.Info("connector stopped")
}

// Restart stops and starts the connector, counting a restart. Used by the
// supervisor for stalled connectors.
func (c *Connector) Restart(ctx context.Context) error {
	c.Stop()
	c.updateHealth(func(h *models.ConnectorHealth) { h.RestartCount++ })
	metrics.RecordRestart(c.Exchange())
	return c.Start(ctx)
}

// MarkStale flags the health row; the next successful acquisition clears it.
func (c *Connector) MarkStale() {
	h := c.updateHealth(func(h *models.ConnectorHealth) { h.Stale = true })
	c.persistHealth(h)
}

func (c *Connector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	if _, ok := c.source.(Streamer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.flushLoop(ctx)
		}()
	}
	defer wg.Wait()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrSessionRotate) {
			c.updateHealth(func(h *models.ConnectorHealth) { h.ReconnectCount++ })
			metrics.RecordReconnect(c.Exchange())
			c.log.Debug("stream session rotated")
			continue
		}
		if err == nil {
			err = errors.New("session ended")
		}

		attempt := c.recordFailure(ctx, err)
		wait := c.opts.Backoff.Next(attempt)
		c.setState(ctx, StateRestarting, nil)
		c.log.WithFields(logger.Fields{"attempt": attempt, "backoff": wait.String()}).Debug("reconnecting")
		if !sleep(ctx, wait) {
			return
		}
		c.updateHealth(func(h *models.ConnectorHealth) { h.ReconnectCount++ })
		metrics.RecordReconnect(c.Exchange())
	}
}

func (c *Connector) session(ctx context.Context) error {
	switch src := c.source.(type) {
	case Streamer:
		return c.runStream(ctx, src)
	case Poller:
		return c.runPoll(ctx, src)
	default:
		return ErrNoMode
	}
}

// recordFailure moves the connector to error and rebuilds the source once
// the consecutive error count passes the threshold. It returns the backoff
// attempt number.
func (c *Connector) recordFailure(ctx context.Context, err error) int {
	attempt := int(c.failures.Add(1))
	metrics.RecordConnectorError(c.Exchange(), "io")

	var consecutive int
	c.setState(ctx, StateError, func(h *models.ConnectorHealth) {
		h.ConsecutiveErrors++
		h.LastError = err.Error()
		consecutive = h.ConsecutiveErrors
	})
	c.log.WithError(err).WithFields(logger.Fields{"consecutive_errors": consecutive}).Warn("connector failure")

	if consecutive > c.opts.ErrorThreshold {
		c.rebuild()
	}
	return attempt
}

// rebuild discards the source's connection state instead of retrying it.
func (c *Connector) rebuild() {
	if r, ok := c.source.(Rebuilder); ok {
		if err := r.Rebuild(); err != nil {
			c.log.WithError(err).Warn("source rebuild failed")
		}
	}
	h := c.updateHealth(func(h *models.ConnectorHealth) {
		h.RestartCount++
		h.ConsecutiveErrors = 0
		h.SessionID = uuid.NewString()
	})
	metrics.RecordRestart(c.Exchange())
	c.persistHealth(h)
	c.log.WithFields(logger.Fields{"restart_count": h.RestartCount}).Warn("error threshold exceeded, connector rebuilt")
}

// markData records a successful acquisition.
func (c *Connector) markData() {
	c.failures.Store(0)
	now := c.opts.Now()
	if c.State() != StateRunning {
		c.setState(nil, StateRunning, func(h *models.ConnectorHealth) {
			h.LastMessageAt = now
			h.ConsecutiveErrors = 0
			h.Stale = false
		})
		return
	}

	h := c.updateHealth(func(h *models.ConnectorHealth) {
		h.LastMessageAt = now
		h.ConsecutiveErrors = 0
		h.Stale = false
	})
	c.healthMu.Lock()
	due := now.Sub(c.lastPersist) >= healthPersistInterval
	c.healthMu.Unlock()
	if due {
		c.persistHealth(h)
	}
}

// setState applies fn and moves to the given state when the edge is legal.
// Transitions requested by a cancelled run are ignored; Stop owns the
// final state.
func (c *Connector) setState(ctx context.Context, to State, fn func(h *models.ConnectorHealth)) {
	if ctx != nil && ctx.Err() != nil {
		return
	}
	c.healthMu.Lock()
	from := State(c.state.Load())
	if !CanTransition(from, to) {
		c.healthMu.Unlock()
		c.log.WithFields(logger.Fields{"from": from.String(), "to": to.String()}).Debug(ErrInvalidTransition.Error())
		return
	}
	c.state.Store(uint32(to))
	h := *c.health.Load()
	if fn != nil {
		fn(&h)
	}
	h.State = to.String()
	h.UpdatedAt = c.opts.Now()
	c.health.Store(&h)
	c.healthMu.Unlock()

	if from != to {
		metrics.SetConnectorState(c.Exchange(), to.String())
		c.persistHealth(h)
	}
}

func (c *Connector) updateHealth(fn func(h *models.ConnectorHealth)) models.ConnectorHealth {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	h := *c.health.Load()
	fn(&h)
	h.UpdatedAt = c.opts.Now()
	c.health.Store(&h)
	return h
}

func (c *Connector) persistHealth(h models.ConnectorHealth) {
	if c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := c.sink.UpsertHealth(ctx, h); err != nil {
		c.log.WithError(err).Warn("failed to persist connector health")
		return
	}
	c.healthMu.Lock()
	c.lastPersist = h.UpdatedAt
	c.healthMu.Unlock()
}

// snapshots stamps, interval-resolves and canonicalizes updates. Callers
// hold bufMu or own the updates exclusively.
func (c *Connector) snapshots(updates []models.MarketUpdate, now time.Time) []models.RawSnapshot {
	out := make([]models.RawSnapshot, 0, len(updates))
	for _, u := range updates {
		if !u.Has(models.FieldFundingRate) {
			continue
		}
		if u.Exchange == "" {
			u.Exchange = c.Exchange()
		}
		if u.ObservedAt.IsZero() {
			u.ObservedAt = now
		}
		switch {
		case c.conv.Interval.IsFixed():
			u.SetFundingInterval(c.conv.Interval.Hours())
		case u.Has(models.FieldFundingInterval):
			c.detector.Seed(u.Symbol, u.FundingIntervalHours)
		default:
			if hours := c.detector.Observe(u.Symbol, u.NextFundingTime); hours > 0 {
				u.SetFundingInterval(hours)
			}
		}
		out = append(out, models.SnapshotFromUpdate(u, symbols.Normalize(u.Symbol, u.Exchange), now))
	}
	return out
}

func (c *Connector) write(ctx context.Context, snaps []models.RawSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	start := time.Now()
	if err := c.sink.InsertSnapshots(ctx, snaps); err != nil {
		metrics.RecordConnectorError(c.Exchange(), "write")
		return fmt.Errorf("write snapshots: %w", err)
	}
	metrics.RecordSnapshots(c.Exchange(), len(snaps))
	logger.LogPerformanceEntry(c.log, "connector", "write_snapshots", time.Since(start), logger.Fields{"rows": len(snaps)})
	return nil
}

func (c *Connector) payloadError(err error) {
	metrics.RecordConnectorError(c.Exchange(), "payload")
	c.log.WithError(err).Debug("skipping malformed payload")
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
