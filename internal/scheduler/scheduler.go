// Package scheduler runs the engine's periodic jobs: cron-scheduled ones on
// robfig/cron and fixed-interval ones on tickers, all under one errgroup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Job is one periodic task. Exactly one of Schedule and Every is set.
type Job struct {
	Name string
	// Schedule is a six-field cron expression (seconds first) or a
	// descriptor such as "@hourly".
	Schedule   string
	Every      time.Duration
	RunAtStart bool
	Fn         func(ctx context.Context) error
}

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec is a schedule Add accepts.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("parse %q: %w", spec, err)
	}
	return nil
}

// Scheduler owns a set of jobs. Overlapping runs of the same cron job are
// skipped.
type Scheduler struct {
	loc    *time.Location
	jobs   []Job
	logger *slog.Logger
}

// New creates a Scheduler evaluating cron expressions in loc.
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc, logger: logger.With(slog.String("component", "scheduler"))}
}

// Add registers job after validating its schedule.
func (s *Scheduler) Add(job Job) error {
	switch {
	case job.Name == "":
		return errors.New("scheduler: job name is required")
	case job.Fn == nil:
		return fmt.Errorf("scheduler: job %s has no function", job.Name)
	case (job.Schedule == "") == (job.Every <= 0):
		return fmt.Errorf("scheduler: job %s needs exactly one of schedule or interval", job.Name)
	}
	if job.Schedule != "" {
		if err := ValidateSchedule(job.Schedule); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	out := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Name
	}
	return out
}

// Run executes every job until ctx is cancelled, then waits for running jobs
// to return.
func (s *Scheduler) Run(ctx context.Context) error {
	clog := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.RunAtStart {
			g.Go(func() error {
				s.run(ctx, job)
				return nil
			})
		}
		if job.Schedule != "" {
			if _, err := c.AddFunc(job.Schedule, func() { s.run(ctx, job) }); err != nil {
				return fmt.Errorf("scheduler: add %s: %w", job.Name, err)
			}
			continue
		}
		g.Go(func() error { return s.loop(ctx, job) })
	}

	s.logger.InfoContext(ctx, "scheduler: started", slog.Any("jobs", s.Jobs()))
	c.Start()
	g.Go(func() error {
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
	err := g.Wait()
	s.logger.Info("scheduler: stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	t := time.NewTicker(job.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.run(ctx, job)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := job.Fn(ctx)
	elapsed := time.Since(start)
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "scheduler: job failed",
			slog.String("job", job.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.DebugContext(ctx, "scheduler: job finished",
		slog.String("job", job.Name),
		slog.Duration("elapsed", elapsed),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("scheduler: cron "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("scheduler: cron "+msg, append(keysAndValues, "error", err.Error())...)
}
