// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of background work fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler fires registered jobs on their cron schedules.
type Scheduler struct {
	jobs []Job
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Add registers a job. Jobs with an empty schedule are disabled and skipped;
// an unparseable schedule is an error.
func (s *Scheduler) Add(job Job) error {
	if job.Schedule == "" {
		slog.Info("job disabled, no schedule", "name", job.Name)
		return nil
	}
	if _, err := cronParser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid cron schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start registers every job with the cron ticker and starts it. Jobs run
// with ctx; a failing job is logged and fires again on its next tick.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		_, err := s.cron.AddFunc(job.Schedule, func() {
			start := time.Now()
			slog.Info("cron firing job", "name", job.Name)
			if err := job.Run(ctx); err != nil {
				slog.Error("job failed", "name", job.Name, "error", err)
				return
			}
			slog.Debug("job finished", "name", job.Name, "duration", time.Since(start))
		})
		if err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
