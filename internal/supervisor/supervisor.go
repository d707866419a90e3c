// Package supervisor owns the set of connectors: it starts them together,
// exposes per-exchange start, stop and status, and restarts connectors
// that stop producing data.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundingflow/internal/connector"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

var ErrUnknownExchange = errors.New("unknown exchange")

const defaultStaleAfter = 3 * time.Minute

// Managed is the connector surface the supervisor drives.
type Managed interface {
	Exchange() string
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	MarkStale()
	State() connector.State
	Health() models.ConnectorHealth
}

type Options struct {
	// StaleAfter is how long a running connector may go without a
	// successful message or poll before it is restarted.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Status is the operational view of one connector.
type Status struct {
	Exchange string
	State    string
	Stale    bool
	Health   models.ConnectorHealth
}

type Supervisor struct {
	opts Options
	log  *logger.Entry

	// ctx is the lifetime connectors are started under; set by StartAll.
	mu    sync.Mutex
	ctx   context.Context
	conns map[string]Managed
	order []string

	// ops serializes start, stop and restart of one connector so a health
	// restart cannot undo a concurrent stop. Fixed after New.
	ops map[string]*sync.Mutex
}

func New(conns []Managed, opts Options) *Supervisor {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Supervisor{
		opts:  opts,
		log:   logger.GetLogger().WithComponent("supervisor"),
		ctx:   context.Background(),
		conns: make(map[string]Managed, len(conns)),
		ops:   make(map[string]*sync.Mutex, len(conns)),
	}
	for _, c := range conns {
		s.conns[c.Exchange()] = c
		s.ops[c.Exchange()] = &sync.Mutex{}
		s.order = append(s.order, c.Exchange())
	}
	sort.Strings(s.order)
	return s
}

// StartAll starts every connector under ctx. A connector that fails to
// start is logged and left for the health check; the others still start.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	started := 0
	for _, ex := range s.order {
		if err := s.Start(ex); err != nil {
			s.log.WithError(err).WithFields(logger.Fields{"exchange": ex}).Warn("connector failed to start")
			continue
		}
		started++
	}
	s.log.WithFields(logger.Fields{"started": started, "total": len(s.order)}).Info("connectors started")
}

// Start starts one connector. Starting an active connector is a no-op.
func (s *Supervisor) Start(exchange string) error {
	c, err := s.get(exchange)
	if err != nil {
		return err
	}
	unlock := s.lock(exchange)
	defer unlock()
	if err := c.Start(s.context()); err != nil && !errors.Is(err, connector.ErrAlreadyRunning) {
		return fmt.Errorf("start %s: %w", exchange, err)
	}
	return nil
}

// Stop stops one connector and returns once its resources are released.
func (s *Supervisor) Stop(exchange string) error {
	c, err := s.get(exchange)
	if err != nil {
		return err
	}
	unlock := s.lock(exchange)
	defer unlock()
	c.Stop()
	return nil
}

// StopAll stops every connector concurrently and waits for all of them.
func (s *Supervisor) StopAll() {
	var wg sync.WaitGroup
	for _, ex := range s.order {
		c := s.conns[ex]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.lock(ex)
			defer unlock()
			c.Stop()
		}()
	}
	wg.Wait()
	s.log.Info("all connectors stopped")
}

func (s *Supervisor) Status(exchange string) (Status, error) {
	c, err := s.get(exchange)
	if err != nil {
		return Status{}, err
	}
	return s.status(c, s.opts.Now()), nil
}

// Statuses returns every connector's status ordered by exchange.
func (s *Supervisor) Statuses() []Status {
	now := s.opts.Now()
	out := make([]Status, 0, len(s.order))
	for _, ex := range s.order {
		out = append(out, s.status(s.conns[ex], now))
	}
	return out
}

// Exchanges lists the supervised exchanges in order.
func (s *Supervisor) Exchanges() []string {
	return append([]string(nil), s.order...)
}

// CheckHealth restarts every active connector whose last successful
// acquisition is older than the staleness window, whatever its state.
// Stopped connectors are left alone. It returns the restarted exchanges.
func (s *Supervisor) CheckHealth(ctx context.Context, now time.Time) []string {
	var restarted []string
	for _, ex := range s.order {
		if ctx.Err() != nil {
			break
		}
		c := s.conns[ex]
		if !c.State().Active() || !s.stale(c.Health(), now) {
			continue
		}
		if s.restart(ex, c) {
			restarted = append(restarted, ex)
		}
	}
	return restarted
}

// restart holds the connector's lock across stop and start and re-checks
// the state under it, so an operator stop that won the lock sticks.
func (s *Supervisor) restart(ex string, c Managed) bool {
	unlock := s.lock(ex)
	defer unlock()
	if !c.State().Active() {
		return false
	}

	h := c.Health()
	s.log.WithFields(logger.Fields{
		"exchange":      ex,
		"state":         c.State().String(),
		"last_activity": h.LastActivity().Format(time.RFC3339),
		"stale_after":   s.opts.StaleAfter.String(),
	}).Warn("connector stalled, restarting")

	c.MarkStale()
	if err := c.Restart(s.context()); err != nil && !errors.Is(err, connector.ErrAlreadyRunning) {
		s.log.WithError(err).WithFields(logger.Fields{"exchange": ex}).Error("connector restart failed")
		return false
	}
	return true
}

// RunHealthCheck adapts CheckHealth to a scheduler job.
func (s *Supervisor) RunHealthCheck(ctx context.Context) error {
	restarted := s.CheckHealth(ctx, s.opts.Now())
	if len(restarted) > 0 {
		s.log.WithFields(logger.Fields{"restarted": restarted}).Info("health check restarted connectors")
	}
	return ctx.Err()
}

func (s *Supervisor) status(c Managed, now time.Time) Status {
	h := c.Health()
	state := c.State()
	return Status{
		Exchange: c.Exchange(),
		State:    state.String(),
		Stale:    h.Stale || (state.Active() && s.stale(h, now)),
		Health:   h,
	}
}

func (s *Supervisor) stale(h models.ConnectorHealth, now time.Time) bool {
	last := h.LastActivity()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > s.opts.StaleAfter
}

func (s *Supervisor) get(exchange string) (Managed, error) {
	c, ok := s.conns[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	return c, nil
}

func (s *Supervisor) lock(exchange string) (unlock func()) {
	m := s.ops[exchange]
	m.Lock()
	return m.Unlock
}

func (s *Supervisor) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
