// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/forumnotify/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu          sync.RWMutex
	forums      map[int64]*store.Forum
	discussions map[int64]*store.Discussion
	posts       map[int64]*store.Post
	queue       map[int64]*store.QueueRow
	read        map[readKey]bool
	watermark   time.Time
	nextRowID   int64
	connected   int32
}

type readKey struct {
	userID int64
	postID int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		forums:      make(map[int64]*store.Forum),
		discussions: make(map[int64]*store.Discussion),
		posts:       make(map[int64]*store.Post),
		queue:       make(map[int64]*store.QueueRow),
		read:        make(map[readKey]bool),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// =============================================================================
// Seeding helpers (tests only)
// =============================================================================

// PutForum inserts or replaces a forum.
func (s *Store) PutForum(f *store.Forum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.forums[f.ID] = &cp
}

// PutDiscussion inserts or replaces a discussion.
func (s *Store) PutDiscussion(d *store.Discussion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.discussions[d.ID] = &cp
}

// PutPost inserts or replaces a post. Posts default to pending mail state.
func (s *Store) PutPost(p *store.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.MailState == "" {
		cp.MailState = store.MailStatePending
	}
	s.posts[p.ID] = &cp
}

// IsRead reports whether a read-marking exists for (userID, postID).
func (s *Store) IsRead(userID, postID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read[readKey{userID, postID}]
}

// QueueLen returns the number of queue rows currently stored.
func (s *Store) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// =============================================================================
// Catalog Operations
// =============================================================================

// GetForum retrieves a forum by ID.
func (s *Store) GetForum(ctx context.Context, id int64) (*store.Forum, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forums[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// GetDiscussion retrieves a discussion by ID.
func (s *Store) GetDiscussion(ctx context.Context, id int64) (*store.Discussion, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.discussions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// GetPost retrieves a post by ID.
func (s *Store) GetPost(ctx context.Context, id int64) (*store.Post, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// DiscussionPosts returns all non-deleted posts of a discussion ordered by ID.
func (s *Store) DiscussionPosts(ctx context.Context, discussionID int64) ([]*store.Post, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var posts []*store.Post
	for _, p := range s.posts {
		if p.DiscussionID == discussionID && !p.Deleted {
			cp := *p
			posts = append(posts, &cp)
		}
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	return posts, nil
}

// =============================================================================
// Post Mail-State Operations
// =============================================================================

// FindUnmailed selects posts due for notification within the window.
func (s *Store) FindUnmailed(ctx context.Context, w store.Window) ([]*store.Post, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !w.End.After(w.Start) {
		return nil, store.ErrInvalidWindow
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*store.Post
	for _, p := range s.posts {
		if p.Deleted || p.MailState != store.MailStatePending {
			continue
		}
		if !p.MailNow && !w.Contains(p.Created) {
			continue
		}
		if !s.releasedLocked(p, w) {
			continue
		}
		cp := *p
		due = append(due, &cp)
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].Modified.Equal(due[j].Modified) {
			return due[i].Modified.Before(due[j].Modified)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// releasedLocked applies the timed-release exclusion during selection.
// A post in an unreleased timed discussion stays pending unless the
// discussion's start time itself falls inside the window.
func (s *Store) releasedLocked(p *store.Post, w store.Window) bool {
	d, ok := s.discussions[p.DiscussionID]
	if !ok {
		return true // missing discussion is handled downstream
	}
	f, ok := s.forums[d.ForumID]
	if !ok || !f.TimedPosts || !d.Timed() {
		return true
	}
	if d.ReleasedAt(w.Now) {
		return true
	}
	return w.Contains(d.TimeStart)
}

// MarkMailed transitions all given posts to the target state atomically.
func (s *Store) MarkMailed(ctx context.Context, postIDs []int64, state store.MailState) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range postIDs {
		if p, ok := s.posts[id]; ok {
			p.MailState = state
			n++
		}
	}
	return n, nil
}

// SetMailState annotates a single post's mail state.
func (s *Store) SetMailState(ctx context.Context, postID int64, state store.MailState) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return store.ErrNotFound
	}
	p.MailState = state
	return nil
}

// MarkPostRead records that a user has read a post.
func (s *Store) MarkPostRead(ctx context.Context, userID, postID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[postID]; !ok {
		return store.ErrNotFound
	}
	s.read[readKey{userID, postID}] = true
	return nil
}

// =============================================================================
// Queue Operations
// =============================================================================

// Enqueue appends one queue row.
func (s *Store) Enqueue(ctx context.Context, row store.QueueRow) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRowID++
	row.ID = s.nextRowID
	s.queue[row.ID] = &row
	return nil
}

// PendingBefore returns queue rows queued before cutoff, ordered by
// user, discussion, post.
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time) ([]store.QueueRow, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []store.QueueRow
	for _, r := range s.queue {
		if r.Queued.Before(cutoff) {
			rows = append(rows, *r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UserID != rows[j].UserID {
			return rows[i].UserID < rows[j].UserID
		}
		if rows[i].DiscussionID != rows[j].DiscussionID {
			return rows[i].DiscussionID < rows[j].DiscussionID
		}
		return rows[i].PostID < rows[j].PostID
	})
	return rows, nil
}

// DeleteForUser removes the given rows for one user.
func (s *Store) DeleteForUser(ctx context.Context, userID int64, rowIDs []int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range rowIDs {
		if r, ok := s.queue[id]; ok && r.UserID == userID {
			delete(s.queue, id)
		}
	}
	return nil
}

// PurgeOlderThan deletes all queue rows queued before cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.queue {
		if r.Queued.Before(cutoff) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Watermark Operations
// =============================================================================

// Watermark returns the current drain watermark.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, nil
}

// SetWatermark advances the drain watermark.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Before(s.watermark) {
		return store.ErrWatermarkRegression
	}
	s.watermark = t
	return nil
}
