// Package scheduler runs named jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
)

var (
	ErrDuplicateJob = errors.New("scheduler: job already registered")
	ErrUnknownJob   = errors.New("scheduler: unknown job")
	ErrStopped      = errors.New("scheduler: stopped")
)

// JobFunc is the body of a job. ctx is cancelled on Stop or after the job timeout.
type JobFunc func(ctx context.Context) error

// OverlapPolicy decides what happens when a job is due while still running.
type OverlapPolicy int

const (
	// AllowOverlap runs every invocation concurrently.
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning drops the invocation.
	SkipIfRunning
	// DelayIfRunning waits for the running invocation to finish.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case AllowOverlap:
		return "allow"
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Job describes a scheduled job. Schedule uses the six-field cron syntax
// with seconds, or descriptors such as "@hourly" and "@every 5m".
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Overlap  OverlapPolicy
	Run      JobFunc
}

// Hooks observe job runs. Both are optional.
type Hooks struct {
	OnStart  func(name string)
	OnFinish func(name string, took time.Duration, err error)
}

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger
	Hooks  Hooks
	// Clock measures run durations. Defaults to the wall clock.
	Clock clock.Clock
}

type entry struct {
	job  Job
	id   cron.EntryID
	busy sync.Mutex
}

// Scheduler owns a cron instance and the jobs registered on it.
type Scheduler struct {
	cron  *cron.Cron
	log   *slog.Logger
	hooks Hooks
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
	stopped bool
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLogger(cronLogger{log: log})),
		log:    log,
		hooks:  cfg.Hooks,
		clock:  cfg.Clock,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Add registers job. Names are unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() { _ = s.run(e) })
	if err != nil {
		return fmt.Errorf("scheduler: job %s: bad schedule %q: %w", job.Name, job.Schedule, err)
	}
	e.id = id
	s.jobs[job.Name] = e

	s.log.Info("job added",
		slog.String("name", job.Name),
		slog.String("schedule", job.Schedule),
		slog.String("overlap", job.Overlap.String()),
		slog.Duration("timeout", job.Timeout))
	return nil
}

// Remove unregisters the job name. Runs in progress are not interrupted.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.jobs, name)
	s.log.Info("job removed", slog.String("name", name))
	return true
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Next returns the next planned run of name. It is zero until Start.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

// RunNow runs name in the calling goroutine, honouring its overlap policy
// and timeout, and returns the job error.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	stopped := s.stopped
	if ok && !stopped {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	switch {
	case stopped:
		return ErrStopped
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	defer s.wg.Done()
	return s.run(e)
}

// Start begins firing jobs. Calling it again does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them to return or for ctx.
// It is safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline exceeded, jobs still running")
		return ctx.Err()
	}
}

func (s *Scheduler) run(e *entry) (err error) {
	name := e.job.Name
	switch e.job.Overlap {
	case SkipIfRunning:
		if !e.busy.TryLock() {
			s.log.Debug("job still running, skipped", slog.String("name", name))
			return nil
		}
		defer e.busy.Unlock()
	case DelayIfRunning:
		e.busy.Lock()
		defer e.busy.Unlock()
	}

	ctx := s.ctx
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(name)
	}
	start := s.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduler: job %s panicked: %v", name, p)
		}
		took := s.clock.Now().Sub(start)
		if s.hooks.OnFinish != nil {
			s.hooks.OnFinish(name, took, err)
		}
		if err != nil {
			s.log.Error("job failed", slog.String("name", name), slog.Duration("took", took), slog.Any("error", err))
			return
		}
		s.log.Debug("job done", slog.String("name", name), slog.Duration("took", took))
	}()

	return e.job.Run(ctx)
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append([]any{slog.Any("error", err)}, kv...)...)
}
