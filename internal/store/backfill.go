package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MaxBackfillAttempts is the bound on automatic retries; past it the job
// stays failed until an operator requeues it.
const MaxBackfillAttempts = 5

// ClaimBackfillJob atomically moves a pending (or retryable failed) job to
// running. Concurrent workers racing on the same tuple produce exactly one
// winner; the losers observe claimed=false.
func (s *PostgresStore) ClaimBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (claimed bool, attempts int, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE backfill_jobs
		SET status = 'running', updated_at = NOW()
		WHERE library_id = $1 AND source_library_id = $2 AND user_id = $3
			AND (status = 'pending' OR (status = 'failed' AND attempts < $4))
		RETURNING attempts
	`, libraryID, sourceLibraryID, userID, MaxBackfillAttempts).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("claim backfill job: %w", err)
	}
	return true, attempts, nil
}

// RunBackfill materializes every current item of the source library into the
// default library, through the same primitive the closure writer uses. The
// membership is re-validated inside the transaction and share-locked so a
// concurrent RemoveMember serializes with the backfill: either the removal
// waits and sweeps the freshly written edges, or the backfill observes the
// row already gone and writes nothing.
func (s *PostgresStore) RunBackfill(ctx context.Context, libraryID, sourceLibraryID, userID string) (materialized int, stillMember bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin backfill tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM memberships WHERE library_id = $1 AND user_id = $2 FOR SHARE
	`, sourceLibraryID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("revalidate membership: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT item_id FROM library_items WHERE library_id = $1
	`, sourceLibraryID)
	if err != nil {
		return 0, false, fmt.Errorf("list source items: %w", err)
	}
	var itemIDs []string
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			rows.Close()
			return 0, false, fmt.Errorf("scan source item: %w", err)
		}
		itemIDs = append(itemIDs, itemID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, false, fmt.Errorf("iterate source items: %w", err)
	}
	rows.Close()

	for _, itemID := range itemIDs {
		if err := materializeItem(ctx, tx, libraryID, itemID, sourceLibraryID); err != nil {
			return 0, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit backfill tx: %w", err)
	}
	return len(itemIDs), true, nil
}

func (s *PostgresStore) CompleteBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = 'completed', finished_at = NOW(), updated_at = NOW()
		WHERE library_id = $1 AND source_library_id = $2 AND user_id = $3
	`, libraryID, sourceLibraryID, userID)
	if err != nil {
		return fmt.Errorf("complete backfill job: %w", err)
	}
	return nil
}

// FailBackfillJob records the failure and returns the incremented attempt
// count so the caller can decide between a scheduled retry and terminal
// failure.
func (s *PostgresStore) FailBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID, lastError string) (attempts int, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE backfill_jobs
		SET status = 'failed', attempts = attempts + 1, last_error = $4, updated_at = NOW()
		WHERE library_id = $1 AND source_library_id = $2 AND user_id = $3
		RETURNING attempts
	`, libraryID, sourceLibraryID, userID, lastError).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("fail backfill job: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) GetBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (BackfillJob, error) {
	var job BackfillJob
	err := s.db.QueryRowContext(ctx, `
		SELECT library_id, source_library_id, user_id, status, attempts, last_error, created_at, updated_at, finished_at
		FROM backfill_jobs
		WHERE library_id = $1 AND source_library_id = $2 AND user_id = $3
	`, libraryID, sourceLibraryID, userID).Scan(
		&job.LibraryID,
		&job.SourceLibraryID,
		&job.UserID,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return BackfillJob{}, err
	}
	return job, nil
}

// RequeueBackfillJob is the operator recovery path: it resets a stuck or
// terminally failed job to a clean pending state. A running job is left
// undisturbed and reported as requeued=false.
func (s *PostgresStore) RequeueBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (requeued bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM backfill_jobs
		WHERE library_id = $1 AND source_library_id = $2 AND user_id = $3
		FOR UPDATE
	`, libraryID, sourceLibraryID, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock backfill job: %w", err)
	}

	if status == JobStatusRunning {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = 'pending', attempts = 0, last_error = '', finished_at = NULL, updated_at = NOW()
		WHERE library_id = $1 AND source_library_id = $2 AND user_id = $3
	`, libraryID, sourceLibraryID, userID); err != nil {
		return false, fmt.Errorf("reset backfill job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit requeue tx: %w", err)
	}
	return true, nil
}

// ListStalledJobs returns claimable jobs that have not been touched for
// olderThan: pending rows whose post-commit enqueue was lost, and retryable
// failed rows whose delayed re-enqueue was lost. The sweep re-enqueues them
// from the durable rows.
func (s *PostgresStore) ListStalledJobs(ctx context.Context, olderThan time.Duration, limit int) ([]BackfillJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT library_id, source_library_id, user_id, status, attempts, last_error, created_at, updated_at, finished_at
		FROM backfill_jobs
		WHERE (status = 'pending' OR (status = 'failed' AND attempts < $3))
			AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit, MaxBackfillAttempts)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	items := make([]BackfillJob, 0)
	for rows.Next() {
		var job BackfillJob
		if err := rows.Scan(
			&job.LibraryID,
			&job.SourceLibraryID,
			&job.UserID,
			&job.Status,
			&job.Attempts,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
			&job.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled jobs: %w", err)
	}
	return items, nil
}
