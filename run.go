package forumnotify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rbaliyan/forumnotify/store"
)

// runState carries the per-run caches and counters through the phases.
// It is created fresh for each Run and discarded with it.
type runState struct {
	now    time.Time
	res    *resolver
	cache  *userCache
	filter *recipientFilter
	mailer *mailer
	result *RunResult
}

// Run executes one pipeline cycle:
//
//  1. Purge queue rows older than the retention period.
//  2. Collect pending posts and mark them mailed (atomic, before any send).
//  3. For each post, resolve recipients, filter, and either send
//     immediately or enqueue for the recipient's next digest.
//  4. Drain due digests and advance the watermark.
//
// The soft time budget is consulted between recipients; when it runs
// out the run stops cleanly with Interrupted set. Collected posts not
// yet delivered at that point are not retried: the idempotency contract
// trades under-delivery on interrupt for the guarantee of no duplicates.
func (s *service) Run(ctx context.Context) (*RunResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	now := s.opts.clock()
	result := &RunResult{
		RunID:   uuid.NewString(),
		Started: now,
	}
	logger := s.logger.With("run_id", result.RunID)

	ctx, endSpan := s.otel.startSpan(ctx, "forumnotify.run",
		attribute.String("run_id", result.RunID),
	)
	var runErr error
	defer func() {
		endSpan(runErr)
		s.otel.recordRun(ctx, s.opts.clock().Sub(now), result, runErr)
	}()

	rs := &runState{
		now:    now,
		res:    newResolver(s.store, s.opts.subscriptions),
		cache:  newUserCache(s.opts.users, s.opts.userCacheCapacity),
		filter: &recipientFilter{oracle: s.oracle, logger: logger},
		mailer: s.mailer,
		result: result,
	}

	// The retention purge runs unconditionally, even on days the digest
	// gate stays closed, so abandoned rows cannot accumulate.
	purged, err := s.store.PurgeOlderThan(ctx, now.Add(-s.opts.queueRetention))
	if err != nil {
		logger.Error("queue retention purge failed", "error", err)
	} else {
		result.QueueRowsPurged = purged
		s.otel.recordPurge(ctx, purged)
	}

	collectStart := s.opts.clock()
	posts, err := s.collect(ctx, now)
	if err != nil {
		runErr = err
		logger.Error("collection failed, run abandoned", "error", err)
		return nil, err
	}
	result.PostsCollected = int64(len(posts))
	s.otel.recordCollect(ctx, s.opts.clock().Sub(collectStart), len(posts))

	for i, p := range posts {
		if result.Interrupted {
			logger.Warn("time budget exhausted, skipping remaining posts",
				"delivered", i, "skipped", len(posts)-i)
			break
		}
		s.deliverPost(ctx, rs, p, logger)
	}

	if !result.Interrupted {
		digestStart := s.opts.clock()
		if err := s.drainDigests(ctx, rs); err != nil {
			// Immediate delivery already happened; a drain failure is
			// reported but does not void the run. Undrained rows wait for
			// the next cycle.
			runErr = err
			logger.Error("digest drain failed", "error", err)
		}
		s.otel.recordDigestDrain(ctx, s.opts.clock().Sub(digestStart),
			result.DigestsSent, result.DigestErrors)
	}

	result.Finished = s.opts.clock()
	s.publishRunCompleted(ctx, result)

	hits, misses, refetches := rs.cache.Stats()
	logger.Info("pipeline run finished",
		"duration", result.Duration(),
		"posts", result.PostsCollected,
		"sent", result.ImmediateSent,
		"send_errors", result.SendErrors,
		"enqueued", result.Enqueued,
		"digests", result.DigestsSent,
		"digest_errors", result.DigestErrors,
		"purged", result.QueueRowsPurged,
		"interrupted", result.Interrupted,
		"user_cache_hits", hits,
		"user_cache_misses", misses,
		"user_cache_refetches", refetches,
	)
	return result, runErr
}

// deliverPost fans one post out to its recipients. Catalog records that
// vanished since collection skip the post; the mail state already says
// success and re-delivery is never attempted.
func (s *service) deliverPost(ctx context.Context, rs *runState, p *store.Post, logger *slog.Logger) {
	d, err := rs.res.discussion(ctx, p.DiscussionID)
	if err != nil {
		logger.Warn("discussion unavailable, skipping post", "post_id", p.ID, "error", err)
		return
	}
	f, err := rs.res.forum(ctx, d.ForumID)
	if err != nil {
		logger.Warn("forum unavailable, skipping post", "post_id", p.ID, "error", err)
		return
	}
	if f.SubscriptionMode == store.SubscriptionDisabled {
		return
	}

	recipients, err := rs.res.recipients(ctx, f.ID, d.ID)
	if err != nil {
		logger.Error("recipient resolution failed, skipping post", "post_id", p.ID, "error", err)
		return
	}

	author, err := rs.cache.Get(ctx, p.AuthorID)
	if err != nil {
		if !IsNotFound(err) {
			logger.Error("author lookup failed, skipping post", "post_id", p.ID, "error", err)
			return
		}
		author = &User{ID: p.AuthorID}
	}

	var wg sync.WaitGroup
	var sent, failed atomic.Int64
	var enqueued int64

	for _, recipientID := range recipients {
		if s.budgetExceeded(ctx) {
			rs.result.Interrupted = true
			break
		}

		user, err := rs.cache.Get(ctx, recipientID)
		if err != nil {
			if !IsNotFound(err) {
				logger.Warn("recipient lookup failed", "post_id", p.ID, "user_id", recipientID, "error", err)
			}
			continue
		}
		if user.Guest || user.Email == "" {
			continue
		}
		if !rs.filter.eligible(ctx, f, d, p, recipientID, rs.now) {
			continue
		}

		level, err := rs.res.digestLevel(ctx, user, f.ID)
		if err != nil {
			logger.Warn("digest preference lookup failed, skipping recipient",
				"post_id", p.ID, "user_id", recipientID, "error", err)
			continue
		}

		// Exactly one path per (post, recipient): immediate send or one
		// queue row, never both. MailNow overrides digest batching the
		// same way it overrides the collection window.
		if level != store.DigestNone && !p.MailNow {
			row := store.QueueRow{
				UserID:       user.ID,
				DiscussionID: d.ID,
				PostID:       p.ID,
				Queued:       p.Modified,
			}
			if err := s.store.Enqueue(ctx, row); err != nil {
				failed.Add(1)
				logger.Error("digest enqueue failed",
					"post_id", p.ID, "user_id", user.ID, "error", err)
				continue
			}
			enqueued++
			continue
		}

		if err := s.sendSem.Acquire(ctx, 1); err != nil {
			failed.Add(1)
			continue
		}
		wg.Add(1)
		go func(user *User) {
			defer wg.Done()
			defer s.sendSem.Release(1)

			start := s.opts.clock()
			err := rs.mailer.sendImmediate(ctx, f, d, p, author, user)
			s.otel.recordSend(ctx, s.opts.clock().Sub(start), err)
			if err != nil {
				failed.Add(1)
				logger.Error("immediate send failed",
					"post_id", p.ID, "user_id", user.ID, "error", err)
				return
			}
			sent.Add(1)

			if s.opts.trackReads && user.TrackReads {
				if err := s.store.MarkPostRead(ctx, user.ID, p.ID); err != nil {
					logger.Debug("read marking failed",
						"post_id", p.ID, "user_id", user.ID, "error", err)
				}
			}
		}(user)
	}

	wg.Wait()

	rs.result.ImmediateSent += sent.Load()
	rs.result.SendErrors += failed.Load()
	rs.result.Enqueued += enqueued
	s.otel.recordEnqueue(ctx, enqueued)

	// The error state is advisory, for operators scanning for delivery
	// trouble. Idempotency-wise the post stays mailed.
	if failed.Load() > 0 {
		if err := s.store.SetMailState(ctx, p.ID, store.MailStateError); err != nil {
			logger.Warn("advisory error state write failed", "post_id", p.ID, "error", err)
		}
	}

	s.publishPostMailed(ctx, PostMailedEvent{
		PostID:       p.ID,
		DiscussionID: d.ID,
		ForumID:      f.ID,
		Sent:         int(sent.Load()),
		Failed:       int(failed.Load()),
		Enqueued:     int(enqueued),
		MailedAt:     s.opts.clock(),
	})
}
