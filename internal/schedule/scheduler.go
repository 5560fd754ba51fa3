// Package schedule triggers cycles on a cron or interval schedule.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "bugwatch/pkg/logx"
)

// Job is one scheduled unit of work. The context carries the job timeout and
// is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron. Jobs never overlap with themselves: a tick
// that fires while the previous run is still going is skipped.
type Scheduler struct {
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	runCtx  context.Context
}

// New builds a scheduler in the given timezone (empty means Local).
func New(timezone string, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	clog := logx.CronLogger(log)
	s := &Scheduler{
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
		entries: map[string]cron.EntryID{},
		runCtx:  context.Background(),
	}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	return s
}

// Location is the scheduler timezone.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Add registers job under name. A timeout <= 0 means no per-run timeout.
func (s *Scheduler) Add(name string, spec Spec, timeout time.Duration, job Job) error {
	sched, err := s.parser.Parse(spec.CronExpr())
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("schedule %s: already registered", name)
	}
	log := s.log.With(logx.String("job", name))
	id := s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		parent := s.runCtx
		s.mu.Unlock()
		if parent.Err() != nil {
			return
		}
		ctx, cancel := parent, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		}
		defer cancel()

		start := time.Now()
		if err := job(ctx); err != nil {
			log.Warn("job failed", logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		log.Debug("job done", logx.Duration("took", time.Since(start)))
	}))
	s.entries[name] = id
	log.Info("scheduled", logx.String("spec", spec.String()), logx.String("tz", s.loc.String()))
	return nil
}

// Next returns the next fire time of name (zero when unknown or not started).
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.c.Entry(id).Next
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	jobs := len(s.entries)
	s.mu.Unlock()

	s.c.Start()
	s.log.Debug("scheduler started", logx.Int("jobs", jobs))
	<-ctx.Done()

	stopCtx := s.c.Stop()
	<-stopCtx.Done()
	s.log.Debug("scheduler stopped")
	return nil
}
