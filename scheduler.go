package scoped

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Timer describes the timeout that triggered an around-timeout invocation. It is
// what InvocationChain.Timer returns for scheduled calls.
type Timer struct {
	Name  string
	Spec  string
	Fired time.Time
}

type timeoutJob struct {
	name   string
	spec   string
	id     Identity
	method *Method
	args   []any
	entry  cron.EntryID
}

// Scheduler fires around-timeout invocations on a cron schedule. Each firing
// runs in its own unit with a fresh request context.
type Scheduler struct {
	c       *Container
	cron    *cron.Cron
	logger  *zap.Logger
	mu      sync.RWMutex
	jobs    map[string]*timeoutJob
	running bool
}

// NewScheduler creates a stopped scheduler for c. Schedules use the standard
// five-field cron syntax unless opts say otherwise.
func NewScheduler(c *Container, opts ...cron.Option) *Scheduler {
	logger := c.logger.Named("scheduler")
	base := []cron.Option{
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
	}
	return &Scheduler{
		c:      c,
		cron:   cron.New(append(base, opts...)...),
		logger: logger,
		jobs:   make(map[string]*timeoutJob),
	}
}

// Schedule registers a timeout that invokes method on the component id.
func (s *Scheduler) Schedule(name, spec string, id Identity, method *Method, args ...any) error {
	if _, err := s.c.lookup(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("timeout %q is already scheduled", name)
	}

	job := &timeoutJob{name: name, spec: spec, id: id, method: method, args: args}
	entry, err := s.cron.AddFunc(spec, func() {
		if _, err := s.fire(job); err != nil {
			s.logger.Warn("timeout invocation failed", zap.String("timeout", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for timeout %q: %w", spec, name, err)
	}
	job.entry = entry
	s.jobs[name] = job
	s.logger.Debug("timeout scheduled", zap.String("timeout", name), zap.String("spec", spec), zap.Stringer("identity", id))
	return nil
}

// Unschedule removes the named timeout.
func (s *Scheduler) Unschedule(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(job.entry)
	delete(s.jobs, name)
	return true
}

// Trigger fires the named timeout now, outside the schedule, and returns the
// invocation outcome.
func (s *Scheduler) Trigger(name string) (any, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("timeout %q is not scheduled", name)
	}
	return s.fire(job)
}

func (s *Scheduler) fire(job *timeoutJob) (result any, err error) {
	u, err := s.c.BeginRequest(context.Background(), "")
	if err != nil {
		return nil, err
	}
	defer func() {
		if endErr := s.c.EndRequest(u); endErr != nil {
			s.logger.Warn("failed to end timeout unit", zap.String("timeout", job.name), zap.Error(endErr))
		}
	}()

	timer := &Timer{Name: job.name, Spec: job.spec, Fired: time.Now()}
	return s.c.InvokeTimeout(u, job.id, job.method, timer, job.args...)
}

// Timeouts returns the names of the scheduled timeouts.
func (s *Scheduler) Timeouts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next activation time of the named timeout, zero when unknown
// or when the scheduler is stopped.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.RLock()
	job, ok := s.jobs[name]
	running := s.running
	s.mu.RUnlock()
	if !ok || !running {
		return time.Time{}
	}
	return s.cron.Entry(job.entry).Next
}

// Start starts firing timeouts in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", zap.Int("timeouts", len(s.jobs)))
}

// Stop stops the schedule and waits for running invocations or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
