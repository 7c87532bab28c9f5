package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ramin-karimi/facegraph/internal/pipeline"
)

// RunRef identifies a run row for the finalizer poller.
type RunRef struct {
	ScopeID   string
	ContentID string
	RunID     string
}

// InsertRun persists a fresh run document for the content item, superseding
// any previous run in the same row. Completion reports carrying the old
// run_id fail the run_id check in MutateRun afterwards.
func (s *Store) InsertRun(ctx context.Context, scopeID, contentID string, run *pipeline.Run) error {
	doc, err := run.Encode()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO pipeline_runs (content_id, scope_id, run_id, status, document, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (content_id) DO UPDATE SET
  scope_id = EXCLUDED.scope_id,
  run_id = EXCLUDED.run_id,
  status = EXCLUDED.status,
  document = EXCLUDED.document,
  finalizer_lock_until = NULL,
  updated_at = NOW();
`, contentID, scopeID, run.RunID, run.Status, doc)
	return err
}

// GetRun loads the current run document for a content item.
func (s *Store) GetRun(ctx context.Context, contentID string) (*pipeline.Run, bool, error) {
	var doc []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT document FROM pipeline_runs WHERE content_id=$1`, contentID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	run, err := pipeline.DecodeRun(doc)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

// MutateRun applies fn to the run document under a row lock. Concurrent
// completion reports for the same content item serialize here.
func (s *Store) MutateRun(ctx context.Context, contentID string, fn func(*pipeline.Run) (bool, error)) (run *pipeline.Run, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM pipeline_runs WHERE content_id=$1 FOR UPDATE`, contentID).Scan(&doc)
	if err == sql.ErrNoRows {
		err = pipeline.ErrRunNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	run, err = pipeline.DecodeRun(doc)
	if err != nil {
		return nil, err
	}
	changed, err := fn(run)
	if err != nil {
		return nil, err
	}
	if !changed {
		return run, nil
	}
	updated, err := run.Encode()
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE pipeline_runs SET document=$2, status=$3, updated_at=NOW() WHERE content_id=$1
`, contentID, updated, run.Status)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AcquireFinalizerLock performs an atomic compare-and-set on the advisory
// lock. The lock_until value is mirrored into the document so the persisted
// run shape stays complete for external readers.
func (s *Store) AcquireFinalizerLock(ctx context.Context, contentID string, ttl time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE pipeline_runs
SET finalizer_lock_until = NOW() + make_interval(secs => $2),
    document = jsonb_set(document, '{finalizer,lock_until}', to_jsonb(NOW() + make_interval(secs => $2)), true),
    updated_at = NOW()
WHERE content_id = $1
  AND (finalizer_lock_until IS NULL OR finalizer_lock_until < NOW())
`, contentID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire finalizer lock: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReleaseFinalizerLock clears the advisory lock.
func (s *Store) ReleaseFinalizerLock(ctx context.Context, contentID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE pipeline_runs
SET finalizer_lock_until = NULL,
    document = document #- '{finalizer,lock_until}',
    updated_at = NOW()
WHERE content_id = $1
`, contentID)
	return err
}

// FinalizeRun writes the terminal run document and flips the content item's
// visible status in one transaction. The run_id + status guards make it a
// no-op when the run was superseded or already finalized.
func (s *Store) FinalizeRun(ctx context.Context, contentID string, run *pipeline.Run, contentStatus string) (err error) {
	doc, err := run.Encode()
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE pipeline_runs
SET document=$3, status=$4, finalizer_lock_until=NULL, updated_at=NOW()
WHERE content_id=$1 AND run_id=$2 AND status=$5
`, contentID, run.RunID, doc, run.Status, pipeline.RunRunning)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil // superseded or already terminal
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE content_items SET status=$2 WHERE id=$1`, contentID, contentStatus)
	return err
}

// CountActiveRuns feeds the sequential processing gate.
func (s *Store) CountActiveRuns(ctx context.Context, scopeID string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_runs WHERE scope_id=$1 AND status=$2`,
		scopeID, pipeline.RunRunning).Scan(&n)
	return n, err
}

// ListStaleRunning returns non-terminal runs that have not been touched for
// at least the given age. The finalizer poller sweeps these.
func (s *Store) ListStaleRunning(ctx context.Context, age time.Duration, limit int) ([]RunRef, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT scope_id, content_id, run_id
FROM pipeline_runs
WHERE status=$1 AND updated_at < NOW() - make_interval(secs => $2)
ORDER BY updated_at
LIMIT $3
`, pipeline.RunRunning, age.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRef
	for rows.Next() {
		var ref RunRef
		if err := rows.Scan(&ref.ScopeID, &ref.ContentID, &ref.RunID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
