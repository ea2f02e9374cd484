package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/forumnotify/store"
)

// FindUnmailed selects posts due for notification within the window.
//
// The timed-release exclusion joins the discussion and forum rows: a
// post whose discussion is timed and not released at w.Now is skipped
// unless the discussion's start time itself falls inside the window.
func (s *Store) FindUnmailed(ctx context.Context, w store.Window) ([]*store.Post, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !w.End.After(w.Start) {
		return nil, store.ErrInvalidWindow
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT p.id, p.discussion_id, p.parent_id, p.author_id, p.subject, p.body, p.html_body,
		       p.created, p.modified, p.mail_state, p.mail_now, p.private_reply_to,
		       p.revealed, p.deleted
		FROM %s p
		JOIN %s d ON d.id = p.discussion_id
		JOIN %s f ON f.id = d.forum_id
		WHERE p.deleted = FALSE
		  AND p.mail_state = $1
		  AND (p.mail_now = TRUE OR (p.created >= $2 AND p.created < $3))
		  AND (
		    f.timed_posts = FALSE
		    OR (d.time_start IS NULL AND d.time_end IS NULL)
		    OR ((d.time_start IS NULL OR d.time_start <= $4) AND (d.time_end IS NULL OR d.time_end > $4))
		    OR (d.time_start >= $2 AND d.time_start < $3)
		  )
		ORDER BY p.modified ASC, p.id ASC
	`, s.postsTable(), s.discussionsTable(), s.forumsTable())

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, query, store.MailStatePending, w.Start, w.End, w.Now); err != nil {
		return nil, fmt.Errorf("find unmailed: %w", err)
	}

	posts := make([]*store.Post, 0, len(rows))
	for i := range rows {
		posts = append(posts, rows[i].toPost())
	}
	return posts, nil
}

// MarkMailed transitions all given posts to the target state in a
// single statement. PostgreSQL guarantees the statement is atomic, so
// either every post flips or none do.
func (s *Store) MarkMailed(ctx context.Context, postIDs []int64, state store.MailState) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if len(postIDs) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET mail_state = $1 WHERE id = ANY($2)`, s.postsTable())

	result, err := s.db.ExecContext(ctx, query, state, pq.Array(postIDs))
	if err != nil {
		return 0, fmt.Errorf("mark mailed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return rows, nil
}

// SetMailState annotates a single post's mail state.
func (s *Store) SetMailState(ctx context.Context, postID int64, state store.MailState) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET mail_state = $1 WHERE id = $2`, s.postsTable())

	result, err := s.db.ExecContext(ctx, query, state, postID)
	if err != nil {
		return fmt.Errorf("set mail state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkPostRead records that a user has read a post. Idempotent via
// INSERT ... ON CONFLICT DO NOTHING.
func (s *Store) MarkPostRead(ctx context.Context, userID, postID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, post_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, post_id) DO NOTHING
	`, s.readTable())

	if _, err := s.db.ExecContext(ctx, query, userID, postID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark post read: %w", err)
	}
	return nil
}
