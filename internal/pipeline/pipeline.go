// Package pipeline wires the store, connectors, supervisor, aggregator,
// archive and replica sync into one process driven by the scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundingflow/config"
	"fundingflow/internal/aggregator"
	"fundingflow/internal/archive"
	"fundingflow/internal/backfill"
	"fundingflow/internal/connector"
	"fundingflow/internal/reader"
	"fundingflow/internal/scheduler"
	"fundingflow/internal/store"
	"fundingflow/internal/supervisor"
	"fundingflow/logger"
)

// Scheduled job names.
const (
	JobHealthCheck  = "health_check"
	JobMinuteRollup = "minute_rollup"
	JobHourRollup   = "hour_rollup"
	JobArchive      = "archive"
	JobReplicaSync  = "replica_sync"
)

const shutdownTimeout = 30 * time.Second

type Pipeline struct {
	cfg *config.Config
	log *logger.Entry

	store       store.Store
	replica     store.Store
	ownsStore   bool
	ownsReplica bool

	supervisor *supervisor.Supervisor
	aggregator *aggregator.Aggregator
	scheduler  *scheduler.Scheduler
	archiver   *archive.Archiver
	replicator *backfill.ReplicaSync
}

type Option func(*settings)

type settings struct {
	store        store.Store
	replica      store.Store
	destinations []archive.Destination
}

// WithStore uses st instead of opening the configured store. The caller
// keeps ownership and closes it.
func WithStore(st store.Store) Option {
	return func(s *settings) { s.store = st }
}

// WithReplica uses st as the read replica instead of the configured one.
func WithReplica(st store.Store) Option {
	return func(s *settings) { s.replica = st }
}

// WithArchiveDestinations replaces the configured archive destinations.
func WithArchiveDestinations(dests ...archive.Destination) Option {
	return func(s *settings) { s.destinations = dests }
}

// OpenStore opens the store named by the configuration.
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverMemory:
		return store.NewMemoryStore(), nil
	case config.StoreDriverPostgres:
		return store.NewPostgresStore(store.OptionFromConfig(cfg.Postgres))
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	p := &Pipeline{
		cfg:       cfg,
		log:       logger.GetLogger().WithComponent("pipeline"),
		scheduler: scheduler.New(),
	}

	p.store = s.store
	if p.store == nil {
		st, err := OpenStore(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		p.store = st
		p.ownsStore = true
	}

	if err := p.build(ctx, s); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(ctx context.Context, s settings) error {
	cfg := p.cfg

	conns := make([]supervisor.Managed, 0, len(cfg.Connectors))
	for _, exchange := range cfg.EnabledConnectors() {
		cc := cfg.Connectors[exchange]
		src, err := reader.Build(exchange, cc)
		if err != nil {
			return err
		}
		conns = append(conns, connector.New(src, p.store, connectorOptions(cfg, cc)))
	}
	if len(conns) == 0 {
		p.log.Warn("no connectors enabled")
	}

	p.supervisor = supervisor.New(conns, supervisor.Options{StaleAfter: cfg.Supervisor.StaleAfter})
	p.aggregator = aggregator.New(p.store, aggregator.OptionsFromConfig(cfg.Aggregator))

	if cfg.Archive.Enabled {
		dests := s.destinations
		if dests == nil {
			var err error
			if dests, err = archiveDestinations(ctx, cfg.Archive); err != nil {
				return err
			}
		}
		arch, err := archive.New(p.store, dests, archive.OptionsFromConfig(cfg.Archive, cfg.App.Version))
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		p.archiver = arch
	}

	if cfg.Replica.Enabled {
		p.replica = s.replica
		if p.replica == nil {
			rs, err := store.NewPostgresStore(store.OptionFromConfig(cfg.Replica.Postgres))
			if err != nil {
				return fmt.Errorf("open replica store: %w", err)
			}
			p.replica = rs
			p.ownsReplica = true
		}
		p.replicator = backfill.NewReplicaSync(p.store, p.replica, cfg.Replica.Lookback, cfg.Replica.BatchSize)
	}

	return p.registerJobs()
}

func (p *Pipeline) registerJobs() error {
	cfg := p.cfg
	jobs := []scheduler.Job{
		{Name: JobHealthCheck, Interval: cfg.Supervisor.HealthInterval, Run: p.supervisor.RunHealthCheck},
		{Name: JobMinuteRollup, Interval: cfg.Aggregator.MinuteInterval, Run: p.aggregator.MinuteJob},
		{Name: JobHourRollup, Interval: cfg.Aggregator.HourInterval, Run: p.aggregator.HourJob},
	}
	if p.archiver != nil {
		jobs = append(jobs, scheduler.Job{Name: JobArchive, Interval: cfg.Archive.Interval, RunAtStart: true, Run: p.archiver.Run})
	}
	if p.replicator != nil {
		jobs = append(jobs, scheduler.Job{Name: JobReplicaSync, Interval: cfg.Replica.Interval, RunAtStart: true, Run: p.replicator.Run})
	}

	for _, j := range jobs {
		if err := p.scheduler.Register(j); err != nil {
			return fmt.Errorf("register %s: %w", j.Name, err)
		}
	}
	return nil
}

// Run starts connectors and jobs, blocks until ctx ends and then shuts
// everything down.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.WithFields(logger.Fields{
		"connectors": p.supervisor.Exchanges(),
		"archive":    p.archiver != nil,
		"replica":    p.replicator != nil,
	}).Info("starting pipeline")

	p.supervisor.StartAll(ctx)
	if err := p.scheduler.Start(ctx); err != nil {
		p.supervisor.StopAll()
		return err
	}

	<-ctx.Done()
	p.log.Info("shutting down pipeline")
	return p.shutdown()
}

func (p *Pipeline) shutdown() error {
	done := make(chan struct{})
	go func() {
		p.scheduler.Stop()
		p.supervisor.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		p.log.Warn("graceful shutdown timeout exceeded")
	}
	return p.Close()
}

// Close releases the stores the pipeline opened itself.
func (p *Pipeline) Close() error {
	var errs []error
	if p.ownsStore && p.store != nil {
		errs = append(errs, p.store.Close())
	}
	if p.ownsReplica && p.replica != nil {
		errs = append(errs, p.replica.Close())
	}
	return errors.Join(errs...)
}

func (p *Pipeline) Supervisor() *supervisor.Supervisor { return p.supervisor }

func (p *Pipeline) Scheduler() *scheduler.Scheduler { return p.scheduler }

func (p *Pipeline) Store() store.Store { return p.store }

func connectorOptions(cfg *config.Config, cc config.ConnectorConfig) connector.Options {
	return connector.Options{
		FlushInterval:  cc.FlushInterval,
		PollInterval:   cc.PollInterval,
		Timeout:        cc.Timeout,
		ErrorThreshold: cfg.Supervisor.ErrorThreshold,
		Backoff:        connector.BackoffFromConfig(cfg.Supervisor.Backoff),
		LocalIP:        cc.LocalIP,
	}
}

func archiveDestinations(ctx context.Context, cfg config.ArchiveConfig) ([]archive.Destination, error) {
	var dests []archive.Destination
	if cfg.S3.Bucket != "" {
		client, err := archive.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("archive s3 client: %w", err)
		}
		dests = append(dests, archive.NewS3Destination(client, cfg.S3.Bucket))
	}
	if cfg.LocalDir != "" {
		dests = append(dests, archive.NewLocalDestination(cfg.LocalDir))
	}
	return dests, nil
}
