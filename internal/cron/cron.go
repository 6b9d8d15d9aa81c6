// Package cron runs the periodic maintenance sweeps: health sync,
// session reconciliation, video pipeline stages, auto trigger and
// cleanup.
package cron

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

type Runner struct {
	jobs   []Job
	logger *log.Logger
}

func NewRunner(logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{logger: logger}
}

func (r *Runner) Add(job Job) {
	r.jobs = append(r.jobs, job)
}

// Start runs every job on its own ticker until the context is
// cancelled. It blocks until all loops have exited.
func (r *Runner) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		job := job
		group.Go(func() error {
			ticker := time.NewTicker(job.Every)
			defer ticker.Stop()
			r.logger.Printf("cron: %s every %s", job.Name, job.Every)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					job.Run(ctx)
				}
			}
		})
	}
	return group.Wait()
}
