package forumnotify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/forumnotify/retry"
	"github.com/rbaliyan/forumnotify/store"
)

// digestDueAt returns today's digest instant in the site timezone.
func (s *service) digestDueAt(now time.Time) time.Time {
	local := now.In(s.opts.location)
	return time.Date(local.Year(), local.Month(), local.Day(), s.opts.digestHour, 0, 0, 0, s.opts.location)
}

// digestDue reports whether the drain should fire: today's digest
// instant has passed and the watermark has not yet covered it. The
// watermark makes the drain fire at most once per day no matter how
// often the run is scheduled.
func (s *service) digestDue(watermark, digestTime, now time.Time) bool {
	return watermark.Before(digestTime) && !digestTime.After(now)
}

// drainDigests delivers one digest email per owed user and advances the
// watermark. Per-recipient failures are counted and do not block other
// recipients or the watermark; a recipient whose rows were deleted but
// whose send failed loses one digest cycle rather than receiving it
// twice.
//
// A budget interrupt stops the drain between recipients and leaves the
// watermark untouched, so the remaining users are drained by the next
// run today.
func (s *service) drainDigests(ctx context.Context, rs *runState) error {
	if s.opts.digestHour == DigestHourDisabled {
		return nil
	}

	watermark, err := s.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	digestTime := s.digestDueAt(rs.now)
	if !s.digestDue(watermark, digestTime, rs.now) {
		return nil
	}

	rows, err := retry.DoWithResult(ctx, queryRetry, func(ctx context.Context) ([]store.QueueRow, error) {
		return s.store.PendingBefore(ctx, digestTime)
	})
	if err != nil {
		return fmt.Errorf("pending queue rows: %w", err)
	}

	s.logger.Info("digest drain starting",
		"rows", len(rows), "digest_time", digestTime, "watermark", watermark)

	// Rows arrive ordered by user; walk contiguous spans.
	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].UserID == rows[start].UserID {
			end++
		}
		userRows := rows[start:end]
		start = end

		if s.budgetExceeded(ctx) {
			rs.result.Interrupted = true
			s.logger.Warn("time budget exhausted, suspending digest drain",
				"drained", rs.result.DigestsSent, "remaining_rows", len(rows)-end+len(userRows))
			return nil
		}

		if err := s.drainUser(ctx, rs, userRows); err != nil {
			rs.result.DigestErrors++
			s.logger.Error("digest delivery failed",
				"user_id", userRows[0].UserID, "posts", len(userRows), "error", err)
		}
	}

	if err := s.store.SetWatermark(ctx, digestTime); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// drainUser delivers one user's digest. Rows are deleted before
// rendering: a crash mid-render costs this user one digest, while
// deleting after a successful send could replay the whole digest on
// the next cycle.
func (s *service) drainUser(ctx context.Context, rs *runState, userRows []store.QueueRow) error {
	userID := userRows[0].UserID

	rowIDs := make([]int64, len(userRows))
	for i, row := range userRows {
		rowIDs[i] = row.ID
	}
	if err := s.store.DeleteForUser(ctx, userID, rowIDs); err != nil {
		return fmt.Errorf("delete queue rows: %w", err)
	}
	rs.result.QueueRowsDrained += int64(len(rowIDs))

	user, err := rs.cache.Get(ctx, userID)
	if err != nil {
		// The rows are gone either way; a vanished user simply has no
		// digest to receive.
		if IsNotFound(err) {
			s.logger.Debug("digest user vanished, dropping rows", "user_id", userID)
			return nil
		}
		return err
	}
	if user.Guest {
		return nil
	}

	text, html, posts, err := s.assembleDigest(ctx, rs, user, userRows)
	if err != nil {
		return err
	}
	if posts == 0 {
		s.logger.Debug("digest empty after visibility re-check", "user_id", userID)
		return nil
	}

	subject := fmt.Sprintf("Forum digest for %s", rs.now.In(s.opts.location).Format("2 January 2006"))
	if err := rs.mailer.sendDigest(ctx, user, subject, text, html); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	rs.result.DigestsSent++
	s.publishDigestSent(ctx, user.ID, posts)
	return nil
}

// assembleDigest renders one user's queued posts into a single body,
// grouped by discussion. Visibility is re-checked against run time:
// queue rows can be days old and the recipient's access may have been
// revoked since enqueue. Catalog records that vanished mid-cycle skip
// their entries.
func (s *service) assembleDigest(ctx context.Context, rs *runState, user *User, userRows []store.QueueRow) (text, html string, posts int, err error) {
	var tb, hb strings.Builder
	var currentDiscussion int64

	for _, row := range userRows {
		d, err := rs.res.discussion(ctx, row.DiscussionID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return "", "", 0, err
		}
		f, err := rs.res.forum(ctx, d.ForumID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return "", "", 0, err
		}
		byID, err := rs.res.discussionPosts(ctx, d.ID)
		if err != nil {
			return "", "", 0, err
		}
		p, ok := byID[row.PostID]
		if !ok {
			// Deleted since enqueue; the row is already gone.
			continue
		}

		if ok, verr := s.oracle.CanSeeDiscussion(ctx, f, d, user.ID); verr != nil || !ok {
			continue
		}
		if ok, verr := s.oracle.CanSeePost(ctx, f, d, p, user.ID); verr != nil || !ok {
			continue
		}

		level, err := rs.res.digestLevel(ctx, user, f.ID)
		if err != nil {
			return "", "", 0, err
		}

		author, err := rs.cache.Get(ctx, p.AuthorID)
		if err != nil {
			if !IsNotFound(err) {
				return "", "", 0, err
			}
			author = &User{ID: p.AuthorID}
		}

		fragment, err := s.renderer.RenderDigestEntry(ctx, &RenderInput{
			Forum:      f,
			Discussion: d,
			Post:       p,
			Author:     rs.mailer.authorIdentity(f, p, author, user.ID),
			Recipient:  user,
		}, level)
		if err != nil {
			return "", "", 0, fmt.Errorf("render digest entry post %d: %w", p.ID, err)
		}

		if d.ID != currentDiscussion {
			currentDiscussion = d.ID
			heading := fmt.Sprintf("%s -> %s", f.Name, d.Name)
			tb.WriteString(heading + "\n" + strings.Repeat("-", len(heading)) + "\n")
			hb.WriteString("<h2>" + heading + "</h2>\n")
		}
		tb.WriteString(fragment.Text + "\n")
		hb.WriteString(fragment.HTML + "\n")
		posts++
	}

	return tb.String(), hb.String(), posts, nil
}

// budgetExceeded consults the configured soft time budget.
func (s *service) budgetExceeded(ctx context.Context) bool {
	if s.opts.budget == nil {
		return ctx.Err() != nil
	}
	return s.opts.budget(ctx) != nil || ctx.Err() != nil
}
