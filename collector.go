package forumnotify

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/forumnotify/retry"
	"github.com/rbaliyan/forumnotify/store"
)

// collectionWindow computes the selection bounds for a run starting at
// now. The window ends maxEditingTime ago so authors can still edit
// fresh posts, and starts collectionWindow before that so a stalled
// scheduler cannot flood the first run back with unbounded history.
func (s *service) collectionWindow(now time.Time) store.Window {
	end := now.Add(-s.opts.maxEditingTime)
	return store.Window{
		Start: end.Add(-s.opts.collectionWindow),
		End:   end,
		Now:   now,
	}
}

// queryRetry is the retry policy for read-only store queries. Writes are
// never retried; the idempotency contract depends on each write running
// at most once per run.
var queryRetry = retry.Config{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Retryable: func(err error) bool {
		return !errors.Is(err, store.ErrNotConnected) &&
			!errors.Is(err, store.ErrInvalidWindow) &&
			!errors.Is(err, context.Canceled)
	},
}

// collect selects the posts due for this run and flips them all to
// success in one atomic bulk update before anything is sent.
//
// If the bulk update fails the whole run is abandoned: no mail goes
// out, the posts stay pending, and the next scheduled run retries the
// batch. Sending first and marking after would risk duplicate delivery;
// a failed run that delivers nothing is recoverable, duplicates are not.
func (s *service) collect(ctx context.Context, now time.Time) ([]*store.Post, error) {
	w := s.collectionWindow(now)

	posts, err := retry.DoWithResult(ctx, queryRetry, func(ctx context.Context) ([]*store.Post, error) {
		return s.store.FindUnmailed(ctx, w)
	})
	if err != nil {
		return nil, &CollectionError{Err: err}
	}
	if len(posts) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}

	updated, err := s.store.MarkMailed(ctx, ids, store.MailStateSuccess)
	if err != nil {
		return nil, &CollectionError{Posts: len(posts), Err: err}
	}
	if updated != int64(len(ids)) {
		// Partial update means another writer touched the batch. Treat it
		// like a failed mark: the statement is atomic per contract, so
		// this indicates a misbehaving store.
		s.logger.Warn("mark mailed updated unexpected row count",
			"expected", len(ids), "updated", updated)
	}

	s.logger.Info("collected posts for notification",
		"count", len(posts),
		"window_start", w.Start,
		"window_end", w.End,
	)
	return posts, nil
}
