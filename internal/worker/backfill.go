// Package worker runs the backfill pool: it drains the Redis wakeup queue,
// claims job rows in Postgres, and materializes closure edges through the
// store's shared primitive. Reads never wait on it; the pool only shortens
// the time until a new member's default library lists historical items.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bookshelf/api/internal/queue"
	"bookshelf/api/internal/store"
)

// retrySchedule[n-1] is the delay before attempt n+1.
var retrySchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	21600 * time.Second,
}

type jobStore interface {
	ClaimBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (bool, int, error)
	RunBackfill(ctx context.Context, libraryID, sourceLibraryID, userID string) (int, bool, error)
	CompleteBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) error
	FailBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID, lastError string) (int, error)
	ListStalledJobs(ctx context.Context, olderThan time.Duration, limit int) ([]store.BackfillJob, error)
}

type jobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	EnqueueIn(ctx context.Context, job queue.Job, delay time.Duration) error
	Dequeue(ctx context.Context, timeout time.Duration) (queue.Job, bool, error)
}

type Pool struct {
	store         jobStore
	queue         jobQueue
	log           *zap.Logger
	workers       int
	sweepInterval time.Duration
	sweepAge      time.Duration
	dequeueWait   time.Duration
}

func NewPool(jobs jobStore, q jobQueue, logger *zap.Logger, workers int, sweepInterval time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		store:         jobs,
		queue:         q,
		log:           logger,
		workers:       workers,
		sweepInterval: sweepInterval,
		sweepAge:      2 * sweepInterval,
		dequeueWait:   2 * time.Second,
	}
}

// Run blocks until ctx is cancelled, keeping the worker goroutines and the
// pending sweep alive.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()

	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.queue.Dequeue(ctx, p.dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		p.Process(ctx, job)
	}
}

// Process claims and executes one job. A job that has already been claimed by
// a racing worker (or completed) is a silent no-op. A revoked membership
// completes the job with zero effect; strict revocation means a stale job
// must never materialize edges for a membership that no longer holds.
func (p *Pool) Process(ctx context.Context, job queue.Job) {
	log := p.log.With(
		zap.String("library", job.LibraryID),
		zap.String("source", job.SourceLibraryID),
		zap.String("user", job.UserID),
	)

	claimed, _, err := p.store.ClaimBackfillJob(ctx, job.LibraryID, job.SourceLibraryID, job.UserID)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	materialized, stillMember, err := p.store.RunBackfill(ctx, job.LibraryID, job.SourceLibraryID, job.UserID)
	if err != nil {
		p.fail(ctx, job, err, log)
		return
	}

	if err := p.store.CompleteBackfillJob(ctx, job.LibraryID, job.SourceLibraryID, job.UserID); err != nil {
		log.Error("complete failed", zap.Error(err))
		return
	}

	if !stillMember {
		log.Info("backfill skipped, membership gone")
		return
	}
	log.Info("backfill completed", zap.Int("materialized", materialized))
}

func (p *Pool) fail(ctx context.Context, job queue.Job, execErr error, log *zap.Logger) {
	attempts, err := p.store.FailBackfillJob(ctx, job.LibraryID, job.SourceLibraryID, job.UserID, execErr.Error())
	if err != nil {
		log.Error("record failure failed", zap.Error(err))
		return
	}

	if attempts >= store.MaxBackfillAttempts {
		log.Error("backfill terminally failed, operator requeue required",
			zap.Int("attempts", attempts), zap.Error(execErr))
		return
	}

	delay := retrySchedule[attempts-1]
	if err := p.queue.EnqueueIn(ctx, job, delay); err != nil {
		// The failed row stays durable; the sweep or an operator will pick
		// it back up.
		log.Warn("retry enqueue failed", zap.Error(err))
		return
	}
	log.Warn("backfill failed, retry scheduled",
		zap.Int("attempts", attempts), zap.Duration("delay", delay), zap.Error(execErr))
}

func (p *Pool) sweepLoop(ctx context.Context) {
	if p.sweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep re-enqueues claimable job rows that have sat untouched longer than
// the sweep age: pending rows whose post-commit wakeup was lost and retryable
// failed rows whose delayed re-enqueue was lost.
func (p *Pool) Sweep(ctx context.Context) {
	jobs, err := p.store.ListStalledJobs(ctx, p.sweepAge, 100)
	if err != nil {
		p.log.Warn("sweep listing failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		j := queue.Job{
			LibraryID:       job.LibraryID,
			SourceLibraryID: job.SourceLibraryID,
			UserID:          job.UserID,
		}
		if err := p.queue.Enqueue(ctx, j); err != nil {
			p.log.Warn("sweep enqueue failed", zap.Error(err))
			return
		}
	}
	if len(jobs) > 0 {
		p.log.Info("sweep requeued stale jobs", zap.Int("count", len(jobs)))
	}
}
