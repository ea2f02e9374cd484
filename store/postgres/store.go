// Package postgres provides a PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/forumnotify/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// Table names derived from the configured prefix.
func (s *Store) postsTable() string       { return s.opts.prefix + "_posts" }
func (s *Store) discussionsTable() string { return s.opts.prefix + "_discussions" }
func (s *Store) forumsTable() string      { return s.opts.prefix + "_forums" }
func (s *Store) queueTable() string       { return s.opts.prefix + "_queue" }
func (s *Store) configTable() string      { return s.opts.prefix + "_config" }
func (s *Store) readTable() string        { return s.opts.prefix + "_read" }

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	tables := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				course_id BIGINT NOT NULL DEFAULT 0,
				name TEXT NOT NULL DEFAULT '',
				type VARCHAR(50) NOT NULL DEFAULT 'general',
				anonymous BOOLEAN NOT NULL DEFAULT FALSE,
				subscription_mode SMALLINT NOT NULL DEFAULT 0,
				group_mode SMALLINT NOT NULL DEFAULT 0,
				timed_posts BOOLEAN NOT NULL DEFAULT FALSE
			)
		`, s.forumsTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				forum_id BIGINT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				group_id BIGINT NOT NULL DEFAULT -1,
				pinned BOOLEAN NOT NULL DEFAULT FALSE,
				time_start TIMESTAMPTZ,
				time_end TIMESTAMPTZ,
				first_post_id BIGINT NOT NULL DEFAULT 0,
				modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.discussionsTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				discussion_id BIGINT NOT NULL,
				parent_id BIGINT NOT NULL DEFAULT 0,
				author_id BIGINT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				html_body TEXT NOT NULL DEFAULT '',
				created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				mail_state VARCHAR(20) NOT NULL DEFAULT 'pending',
				mail_now BOOLEAN NOT NULL DEFAULT FALSE,
				private_reply_to BIGINT NOT NULL DEFAULT 0,
				revealed BOOLEAN NOT NULL DEFAULT FALSE,
				deleted BOOLEAN NOT NULL DEFAULT FALSE
			)
		`, s.postsTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL,
				discussion_id BIGINT NOT NULL,
				post_id BIGINT NOT NULL,
				queued TIMESTAMPTZ NOT NULL
			)
		`, s.queueTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name VARCHAR(255) PRIMARY KEY,
				value TEXT NOT NULL
			)
		`, s.configTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id BIGINT NOT NULL,
				post_id BIGINT NOT NULL,
				read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (user_id, post_id)
			)
		`, s.readTable()),
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_mail_state ON %s(mail_state, created) WHERE deleted = FALSE`, s.postsTable(), s.postsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_mail_now ON %s(mail_now) WHERE mail_now = TRUE`, s.postsTable(), s.postsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_discussion ON %s(discussion_id, id)`, s.postsTable(), s.postsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_forum ON %s(forum_id)`, s.discussionsTable(), s.discussionsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_queued ON %s(queued)`, s.queueTable(), s.queueTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id, discussion_id, post_id)`, s.queueTable(), s.queueTable()),
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// =============================================================================
// Catalog Operations
// =============================================================================

func (s *Store) GetForum(ctx context.Context, id int64) (*store.Forum, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, course_id, name, type, anonymous, subscription_mode, group_mode, timed_posts
		FROM %s WHERE id = $1
	`, s.forumsTable())

	var row forumRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get forum: %w", err)
	}
	return row.toForum(), nil
}

func (s *Store) GetDiscussion(ctx context.Context, id int64) (*store.Discussion, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, forum_id, name, group_id, pinned, time_start, time_end, first_post_id, modified
		FROM %s WHERE id = $1
	`, s.discussionsTable())

	var row discussionRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get discussion: %w", err)
	}
	return row.toDiscussion(), nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (*store.Post, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`%s WHERE p.id = $1`, s.selectPosts())

	var row postRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return row.toPost(), nil
}

func (s *Store) DiscussionPosts(ctx context.Context, discussionID int64) ([]*store.Post, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`%s WHERE p.discussion_id = $1 AND p.deleted = FALSE ORDER BY p.id ASC`, s.selectPosts())

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, query, discussionID); err != nil {
		return nil, fmt.Errorf("discussion posts: %w", err)
	}

	posts := make([]*store.Post, 0, len(rows))
	for i := range rows {
		posts = append(posts, rows[i].toPost())
	}
	return posts, nil
}

// selectPosts returns the shared SELECT clause for post queries.
func (s *Store) selectPosts() string {
	return fmt.Sprintf(`
		SELECT p.id, p.discussion_id, p.parent_id, p.author_id, p.subject, p.body, p.html_body,
		       p.created, p.modified, p.mail_state, p.mail_now, p.private_reply_to,
		       p.revealed, p.deleted
		FROM %s p
	`, s.postsTable())
}
