package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/forumnotify/store"
)

// Config record names.
const configWatermark = "digest_watermark"

// Enqueue appends one queue row.
func (s *Store) Enqueue(ctx context.Context, row store.QueueRow) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, discussion_id, post_id, queued)
		VALUES ($1, $2, $3, $4)
	`, s.queueTable())

	if _, err := s.db.ExecContext(ctx, query, row.UserID, row.DiscussionID, row.PostID, row.Queued); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// PendingBefore returns queue rows queued before cutoff, ordered by
// user, discussion, post.
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time) ([]store.QueueRow, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, discussion_id, post_id, queued
		FROM %s
		WHERE queued < $1
		ORDER BY user_id ASC, discussion_id ASC, post_id ASC
	`, s.queueTable())

	var recs []queueRowRec
	if err := s.db.SelectContext(ctx, &recs, query, cutoff); err != nil {
		return nil, fmt.Errorf("pending before: %w", err)
	}

	rows := make([]store.QueueRow, 0, len(recs))
	for i := range recs {
		rows = append(rows, recs[i].toQueueRow())
	}
	return rows, nil
}

// DeleteForUser removes the given rows for one user in a single statement.
func (s *Store) DeleteForUser(ctx context.Context, userID int64, rowIDs []int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if len(rowIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND id = ANY($2)`, s.queueTable())

	if _, err := s.db.ExecContext(ctx, query, userID, pq.Array(rowIDs)); err != nil {
		return fmt.Errorf("delete for user: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes all queue rows queued before cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE queued < $1`, s.queueTable())

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Debug("purged stale queue rows", "count", rows)
	}
	return rows, nil
}

// Watermark returns the current drain watermark. Stored as a Unix
// timestamp in the config table; absence means zero time.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return time.Time{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT value FROM %s WHERE name = $1`, s.configTable())

	var value string
	if err := s.db.GetContext(ctx, &value, query, configWatermark); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", value, err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

// SetWatermark advances the drain watermark. The conditional upsert
// enforces monotonicity at the database level.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value
		WHERE %s.value::BIGINT <= EXCLUDED.value::BIGINT
	`, s.configTable(), s.configTable())

	result, err := s.db.ExecContext(ctx, query, configWatermark, strconv.FormatInt(t.Unix(), 10))
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrWatermarkRegression
	}
	return nil
}
