// Package scheduler runs named jobs on fixed cadences. Each job has its
// own goroutine and ticker; a tick that arrives while the previous run is
// still going is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fundingflow/internal/metrics"
	"fundingflow/logger"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrJobRunning   = errors.New("job already running")
	ErrStarted      = errors.New("scheduler already started")
)

type JobFunc func(ctx context.Context) error

type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero means the interval.
	Timeout time.Duration
	// RunAtStart runs the job once immediately instead of waiting a full
	// interval.
	RunAtStart bool
	Run        JobFunc
}

type job struct {
	Job
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// Stats counts what happened to one job.
type Stats struct {
	Runs    int64
	Skipped int64
	Failed  int64
}

type Scheduler struct {
	log *logger.Entry

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New() *Scheduler {
	return &Scheduler{
		log:  logger.GetLogger().WithComponent("scheduler"),
		jobs: make(map[string]*job),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("invalid job %q", j.Name)
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Start launches every registered job under ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(j)
	}
	s.log.WithFields(logger.Fields{"jobs": len(s.jobs)}).Info("scheduler started")
	return nil
}

// Stop cancels running jobs and waits for their goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow runs a job synchronously outside its cadence. It fails with
// ErrJobRunning instead of overlapping a run in progress.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer j.running.Store(false)
	return s.execute(ctx, j)
}

func (s *Scheduler) Stats(name string) (Stats, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{Runs: j.runs.Load(), Skipped: j.skipped.Load(), Failed: j.failed.Load()}, true
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()
	ctx := s.ctx

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	if j.RunAtStart {
		s.tick(ctx, j)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.WithFields(logger.Fields{"job": j.Name}).Debug("previous run still in progress, tick skipped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		_ = s.execute(ctx, j)
	}()
}

func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
		j.runs.Add(1)
		metrics.RecordJob(j.Name, err)
		if err != nil {
			j.failed.Add(1)
			s.log.WithError(err).WithFields(logger.Fields{"job": j.Name}).Warn("job failed")
		}
	}()

	start := time.Now()
	err = j.Run(runCtx)
	logger.LogPerformanceEntry(s.log, "scheduler", j.Name, time.Since(start), nil)
	return err
}
