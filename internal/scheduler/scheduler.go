// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/vizchat/internal/document"
	"github.com/user/vizchat/internal/generation"
)

// Job is a named task fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler fires janitor jobs on their cron schedules.
type Scheduler struct {
	jobs []Job
	cron *cron.Cron
	ctx  context.Context
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler for the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every job that has a schedule and starts the cron ticker.
// Jobs with an invalid schedule are logged and skipped. ctx is passed to
// each run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}

		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() {
			if s.ctx.Err() != nil {
				return
			}
			start := time.Now()
			if err := job.Run(s.ctx); err != nil {
				slog.Error("scheduled job failed", "name", job.Name, "error", err)
				return
			}
			slog.Debug("scheduled job done", "name", job.Name, "duration", time.Since(start))
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload replaces the job set and restarts the cron ticker.
func (s *Scheduler) Reload(jobs ...Job) error {
	s.Stop()
	s.jobs = jobs
	s.cron = cron.New(cron.WithParser(cronParser))
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return s.Start(ctx)
}

// Stop stops the cron ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// JanitorConfig holds schedules and limits for the janitor jobs. An empty
// schedule disables its job.
type JanitorConfig struct {
	SweepSchedule    string
	MaxGeneration    time.Duration
	FlushSchedule    string
	EvictSchedule    string
	DocumentIdleTime time.Duration
}

// Janitor returns the housekeeping jobs: cancelling generations older than
// MaxGeneration, flushing dirty documents, and evicting idle ones.
func Janitor(registry *generation.Registry, docs *document.Store, cfg JanitorConfig) []Job {
	var jobs []Job
	if registry != nil && cfg.MaxGeneration > 0 {
		jobs = append(jobs, Job{
			Name:     "sweep-generations",
			Schedule: cfg.SweepSchedule,
			Run: func(ctx context.Context) error {
				if chats := registry.Sweep(cfg.MaxGeneration); len(chats) > 0 {
					slog.Warn("timed out generations", "count", len(chats))
				}
				return nil
			},
		})
	}
	if docs != nil {
		jobs = append(jobs, Job{
			Name:     "flush-documents",
			Schedule: cfg.FlushSchedule,
			Run:      docs.Flush,
		})
		if cfg.DocumentIdleTime > 0 {
			jobs = append(jobs, Job{
				Name:     "evict-documents",
				Schedule: cfg.EvictSchedule,
				Run: func(ctx context.Context) error {
					_, err := docs.EvictIdle(ctx, cfg.DocumentIdleTime)
					return err
				},
			})
		}
	}
	return jobs
}
