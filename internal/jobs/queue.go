// Package jobs is the in-process task scheduler: a bounded queue with a
// worker pool and at-least-once execution, deduplicated by key while a
// prior job with the same key is still pending.
package jobs

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

var ErrQueueFull = errors.New("job queue is full")

type Job struct {
	// Key deduplicates pending jobs. Empty means no deduplication.
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Config struct {
	QueueSize      int
	Workers        int
	DefaultTimeout time.Duration
	DedupeTTL      time.Duration
}

type Queue struct {
	dedupe DedupeStore
	cfg    Config
	logger *log.Logger
	queue  chan Job
}

func NewQueue(dedupe DedupeStore, cfg Config, logger *log.Logger) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if dedupe == nil {
		dedupe = NewInMemoryDedupeStore()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		dedupe: dedupe,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Job, cfg.QueueSize),
	}
}

func (q *Queue) Start(ctx context.Context) {
	for workerID := 1; workerID <= q.cfg.Workers; workerID++ {
		go q.worker(ctx, workerID)
	}
}

// Enqueue submits a job. The returned bool reports whether the job was
// actually queued; a deduplicated submission returns (false, nil).
func (q *Queue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.Run == nil {
		return false, errors.New("job run func is required")
	}
	job.Key = strings.TrimSpace(job.Key)
	if job.Timeout <= 0 {
		job.Timeout = q.cfg.DefaultTimeout
	}

	if job.Key != "" {
		claimed, err := q.dedupe.Claim(ctx, job.Key, q.cfg.DedupeTTL)
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, nil
		}
	}

	select {
	case <-ctx.Done():
		q.releaseKey(job.Key)
		return false, ctx.Err()
	case q.queue <- job:
		return true, nil
	default:
		q.releaseKey(job.Key)
		return false, ErrQueueFull
	}
}

func (q *Queue) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.queue:
			q.runJob(ctx, workerID, job)
		}
	}
}

func (q *Queue) runJob(ctx context.Context, workerID int, job Job) {
	defer q.releaseKey(job.Key)

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	if err := job.Run(jobCtx); err != nil {
		key := job.Key
		if key == "" {
			key = "<anonymous>"
		}
		q.logger.Printf("job failed: worker=%d key=%s err=%v", workerID, key, err)
	}
}

func (q *Queue) releaseKey(key string) {
	if key == "" {
		return
	}
	if err := q.dedupe.Release(context.Background(), key); err != nil {
		q.logger.Printf("dedupe release failed: key=%s err=%v", key, err)
	}
}
