// Package store provides interfaces and types for the notification
// pipeline's persisted state: posts and their mail state, the digest
// queue, and the drain watermark. Implementations are in store/memory
// and store/postgres subpackages.
//
// # Architectural Principle: Idempotency Before Delivery
//
// The pipeline guarantees at-most-once delivery without distributed
// locks. The store contracts that make this possible:
//
//  1. MarkMailed is a single atomic bulk update. All posts selected for
//     a run flip to success in one statement before any mail is built.
//     If the statement fails, nothing was flipped and the run aborts.
//     A crash after it may under-deliver but never over-delivers.
//
//  2. Queue rows are deleted before their digest is rendered. A crash
//     mid-render loses one recipient's digest for the cycle instead of
//     replaying it next cycle.
//
//  3. The watermark is monotone. Implementations must reject writes
//     that would move it backwards (ErrWatermarkRegression).
//
// No row-level locking beyond these atomic statements is required;
// mutual exclusion across runs is the scheduler's responsibility.
package store

import (
	"context"
	"time"
)

// Store is the storage interface for the notification pipeline.
//
// All operations must be safe for concurrent use. Implementations must
// use database-level atomicity (transactions, atomic bulk updates)
// rather than external locking mechanisms. See package documentation.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Catalog reads - forums, discussions, posts
	CatalogStore

	// Post mail-state operations
	PostStore

	// Digest queue operations
	QueueStore

	// Watermark operations
	WatermarkStore
}

// CatalogStore provides read access to the forum catalog entities the
// pipeline joins against. Entities may vanish mid-run (deleted by the
// surrounding platform); callers treat ErrNotFound as skip-and-log.
type CatalogStore interface {
	// GetForum retrieves a forum by ID.
	GetForum(ctx context.Context, id int64) (*Forum, error)

	// GetDiscussion retrieves a discussion by ID.
	GetDiscussion(ctx context.Context, id int64) (*Discussion, error)

	// GetPost retrieves a post by ID.
	GetPost(ctx context.Context, id int64) (*Post, error)

	// DiscussionPosts returns all non-deleted posts of a discussion
	// ordered ascending by ID. The digest drain resolves queue rows
	// through this rather than one GetPost per row.
	DiscussionPosts(ctx context.Context, discussionID int64) ([]*Post, error)
}

// PostStore provides the unmailed-post selection and the mail-state
// transitions that anchor the pipeline's idempotency.
type PostStore interface {
	// FindUnmailed selects posts due for notification: mail state pending
	// with creation time in [w.Start, w.End), or MailNow set (which
	// bypasses the window). Posts in timed discussions that are not
	// released at w.Now are excluded unless the discussion's TimeStart
	// itself falls inside the window. Deleted posts are never returned.
	//
	// Results are ordered ascending by modification time.
	FindUnmailed(ctx context.Context, w Window) ([]*Post, error)

	// MarkMailed atomically transitions all given posts to the target
	// state in a single bulk statement and returns the number updated.
	//
	// This operation MUST be atomic - either every post is updated or
	// none are:
	//   - PostgreSQL: UPDATE ... WHERE id = ANY($1) in one statement
	//   - memory: single lock over the whole batch
	//
	// The pipeline calls this with MailStateSuccess immediately after
	// selection, before any send, and aborts the run if it fails.
	MarkMailed(ctx context.Context, postIDs []int64, state MailState) (int64, error)

	// SetMailState annotates a single post's mail state. Used only for
	// the advisory error flag after a batch with send failures.
	SetMailState(ctx context.Context, postID int64, state MailState) error

	// MarkPostRead records that a user has read a post. Courtesy side
	// effect for old posts delivered immediately; failures are logged,
	// never fatal.
	MarkPostRead(ctx context.Context, userID, postID int64) error
}

// QueueStore provides the durable digest queue.
type QueueStore interface {
	// Enqueue appends one queue row. The pipeline guarantees a given
	// (user, post) pair is enqueued at most once across the system's
	// lifetime, so no uniqueness check is required here.
	Enqueue(ctx context.Context, row QueueRow) error

	// PendingBefore returns all queue rows with Queued earlier than
	// cutoff, ordered by user ID, then discussion ID, then post ID.
	PendingBefore(ctx context.Context, cutoff time.Time) ([]QueueRow, error)

	// DeleteForUser atomically removes the given rows for one user.
	// The drain job calls this before rendering that user's digest.
	DeleteForUser(ctx context.Context, userID int64, rowIDs []int64) error

	// PurgeOlderThan atomically deletes all queue rows with Queued
	// earlier than cutoff, regardless of user. Returns the number
	// deleted. Safe to call concurrently; the database handles
	// atomicity so each row is deleted exactly once.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// WatermarkStore persists the digest drain watermark: the timestamp of
// the last successful drain run. A zero time means no drain has ever run.
type WatermarkStore interface {
	// Watermark returns the current drain watermark.
	Watermark(ctx context.Context) (time.Time, error)

	// SetWatermark advances the drain watermark. Implementations must
	// return ErrWatermarkRegression if t is earlier than the stored
	// value; the watermark never decreases.
	SetWatermark(ctx context.Context, t time.Time) error
}
