package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/forumnotify/store"
)

var base = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func connected(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetPost(ctx, 1); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFindUnmailed(t *testing.T) {
	ctx := context.Background()
	w := store.Window{Start: base.Add(-48 * time.Hour), End: base.Add(-30 * time.Minute), Now: base}

	t.Run("rejects inverted window", func(t *testing.T) {
		s := connected(t)
		if _, err := s.FindUnmailed(ctx, store.Window{Start: base, End: base}); !errors.Is(err, store.ErrInvalidWindow) {
			t.Errorf("expected ErrInvalidWindow, got %v", err)
		}
	})

	t.Run("selects pending posts in window", func(t *testing.T) {
		s := connected(t)
		s.PutPost(&store.Post{ID: 1, Created: base.Add(-2 * time.Hour), Modified: base.Add(-2 * time.Hour)})
		s.PutPost(&store.Post{ID: 2, Created: base.Add(-10 * time.Minute), Modified: base.Add(-10 * time.Minute)})   // too fresh
		s.PutPost(&store.Post{ID: 3, Created: base.Add(-72 * time.Hour), Modified: base.Add(-72 * time.Hour)})      // too old
		s.PutPost(&store.Post{ID: 4, Created: base.Add(-2 * time.Hour), Modified: base.Add(-2 * time.Hour), Deleted: true})
		s.PutPost(&store.Post{ID: 5, Created: base.Add(-10 * time.Minute), Modified: base.Add(-10 * time.Minute), MailNow: true})

		posts, err := s.FindUnmailed(ctx, w)
		if err != nil {
			t.Fatalf("FindUnmailed: %v", err)
		}
		got := map[int64]bool{}
		for _, p := range posts {
			got[p.ID] = true
		}
		if !got[1] || !got[5] || len(posts) != 2 {
			t.Errorf("selected %v, want posts 1 and 5", got)
		}
	})

	t.Run("orders by modification time", func(t *testing.T) {
		s := connected(t)
		s.PutPost(&store.Post{ID: 1, Created: base.Add(-1 * time.Hour), Modified: base.Add(-1 * time.Hour)})
		s.PutPost(&store.Post{ID: 2, Created: base.Add(-3 * time.Hour), Modified: base.Add(-3 * time.Hour)})

		posts, err := s.FindUnmailed(ctx, w)
		if err != nil {
			t.Fatalf("FindUnmailed: %v", err)
		}
		if len(posts) != 2 || posts[0].ID != 2 || posts[1].ID != 1 {
			t.Errorf("unexpected order: %v, %v", posts[0].ID, posts[1].ID)
		}
	})

	t.Run("excludes unreleased timed discussions", func(t *testing.T) {
		s := connected(t)
		s.PutForum(&store.Forum{ID: 1, TimedPosts: true})
		s.PutDiscussion(&store.Discussion{ID: 10, ForumID: 1, TimeStart: base.Add(24 * time.Hour)})
		s.PutPost(&store.Post{ID: 1, DiscussionID: 10, Created: base.Add(-2 * time.Hour), Modified: base.Add(-2 * time.Hour)})

		posts, err := s.FindUnmailed(ctx, w)
		if err != nil {
			t.Fatalf("FindUnmailed: %v", err)
		}
		if len(posts) != 0 {
			t.Errorf("unreleased timed post selected: %d posts", len(posts))
		}
	})

	t.Run("includes timed discussion released inside window", func(t *testing.T) {
		s := connected(t)
		s.PutForum(&store.Forum{ID: 1, TimedPosts: true})
		// Opened an hour ago, closes in the future: released now.
		s.PutDiscussion(&store.Discussion{ID: 10, ForumID: 1, TimeStart: base.Add(-time.Hour), TimeEnd: base.Add(24 * time.Hour)})
		s.PutPost(&store.Post{ID: 1, DiscussionID: 10, Created: base.Add(-2 * time.Hour), Modified: base.Add(-2 * time.Hour)})

		posts, err := s.FindUnmailed(ctx, w)
		if err != nil {
			t.Fatalf("FindUnmailed: %v", err)
		}
		if len(posts) != 1 {
			t.Errorf("released timed post not selected")
		}
	})

	t.Run("ignores windows when forum disables timed posts", func(t *testing.T) {
		s := connected(t)
		s.PutForum(&store.Forum{ID: 1})
		s.PutDiscussion(&store.Discussion{ID: 10, ForumID: 1, TimeStart: base.Add(24 * time.Hour)})
		s.PutPost(&store.Post{ID: 1, DiscussionID: 10, Created: base.Add(-2 * time.Hour), Modified: base.Add(-2 * time.Hour)})

		posts, err := s.FindUnmailed(ctx, w)
		if err != nil {
			t.Fatalf("FindUnmailed: %v", err)
		}
		if len(posts) != 1 {
			t.Errorf("post excluded despite timed posts being disabled")
		}
	})
}

func TestMarkMailed(t *testing.T) {
	ctx := context.Background()
	s := connected(t)
	s.PutPost(&store.Post{ID: 1, Created: base, Modified: base})
	s.PutPost(&store.Post{ID: 2, Created: base, Modified: base})

	n, err := s.MarkMailed(ctx, []int64{1, 2}, store.MailStateSuccess)
	if err != nil {
		t.Fatalf("MarkMailed: %v", err)
	}
	if n != 2 {
		t.Errorf("marked %d posts, want 2", n)
	}
	p, _ := s.GetPost(ctx, 1)
	if p.MailState != store.MailStateSuccess {
		t.Errorf("post 1 state %q", p.MailState)
	}
}

func TestSetMailState(t *testing.T) {
	ctx := context.Background()
	s := connected(t)

	if err := s.SetMailState(ctx, 99, store.MailStateError); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	s.PutPost(&store.Post{ID: 1, Created: base, Modified: base})
	if err := s.SetMailState(ctx, 1, store.MailStateError); err != nil {
		t.Fatalf("SetMailState: %v", err)
	}
	p, _ := s.GetPost(ctx, 1)
	if p.MailState != store.MailStateError {
		t.Errorf("state %q", p.MailState)
	}
}

func TestQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("pending ordered by user then discussion then post", func(t *testing.T) {
		s := connected(t)
		rows := []store.QueueRow{
			{UserID: 2, DiscussionID: 1, PostID: 3, Queued: base},
			{UserID: 1, DiscussionID: 2, PostID: 1, Queued: base},
			{UserID: 1, DiscussionID: 1, PostID: 2, Queued: base},
		}
		for _, r := range rows {
			if err := s.Enqueue(ctx, r); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}

		got, err := s.PendingBefore(ctx, base.Add(time.Minute))
		if err != nil {
			t.Fatalf("PendingBefore: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d rows", len(got))
		}
		if got[0].UserID != 1 || got[0].DiscussionID != 1 || got[1].DiscussionID != 2 || got[2].UserID != 2 {
			t.Errorf("wrong order: %+v", got)
		}
	})

	t.Run("delete for user ignores other users' rows", func(t *testing.T) {
		s := connected(t)
		s.Enqueue(ctx, store.QueueRow{UserID: 1, PostID: 1, Queued: base})
		s.Enqueue(ctx, store.QueueRow{UserID: 2, PostID: 1, Queued: base})

		rows, _ := s.PendingBefore(ctx, base.Add(time.Minute))
		var allIDs []int64
		for _, r := range rows {
			allIDs = append(allIDs, r.ID)
		}
		if err := s.DeleteForUser(ctx, 1, allIDs); err != nil {
			t.Fatalf("DeleteForUser: %v", err)
		}
		if s.QueueLen() != 1 {
			t.Errorf("expected user 2's row to survive, queue len %d", s.QueueLen())
		}
	})

	t.Run("purge removes only stale rows", func(t *testing.T) {
		s := connected(t)
		s.Enqueue(ctx, store.QueueRow{UserID: 1, PostID: 1, Queued: base.Add(-8 * 24 * time.Hour)})
		s.Enqueue(ctx, store.QueueRow{UserID: 1, PostID: 2, Queued: base})

		n, err := s.PurgeOlderThan(ctx, base.Add(-7*24*time.Hour))
		if err != nil {
			t.Fatalf("PurgeOlderThan: %v", err)
		}
		if n != 1 || s.QueueLen() != 1 {
			t.Errorf("purged %d, queue len %d", n, s.QueueLen())
		}
	})
}

func TestWatermark(t *testing.T) {
	ctx := context.Background()
	s := connected(t)

	w, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !w.IsZero() {
		t.Errorf("fresh store watermark %v, want zero", w)
	}

	if err := s.SetWatermark(ctx, base); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	if err := s.SetWatermark(ctx, base.Add(-time.Hour)); !errors.Is(err, store.ErrWatermarkRegression) {
		t.Errorf("expected ErrWatermarkRegression, got %v", err)
	}
	if err := s.SetWatermark(ctx, base); err != nil {
		t.Errorf("idempotent rewrite should succeed, got %v", err)
	}

	w, _ = s.Watermark(ctx)
	if !w.Equal(base) {
		t.Errorf("watermark %v, want %v", w, base)
	}
}

func TestMarkPostRead(t *testing.T) {
	ctx := context.Background()
	s := connected(t)
	s.PutPost(&store.Post{ID: 1, Created: base, Modified: base})

	if err := s.MarkPostRead(ctx, 2, 1); err != nil {
		t.Fatalf("MarkPostRead: %v", err)
	}
	// Idempotent
	if err := s.MarkPostRead(ctx, 2, 1); err != nil {
		t.Fatalf("second MarkPostRead: %v", err)
	}
	if !s.IsRead(2, 1) {
		t.Error("read marking not recorded")
	}
	if err := s.MarkPostRead(ctx, 2, 99); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
