package forumnotify

import (
	"context"
	"fmt"
	"sort"

	"github.com/rbaliyan/forumnotify/store"
)

// resolver caches catalog records, subscriber lists, and digest
// preferences for the duration of one run. Posts in a batch cluster
// heavily around a few discussions, so per-run memoization turns
// thousands of lookups into a handful.
type resolver struct {
	catalog store.CatalogStore
	subs    SubscriptionStore

	forums      map[int64]*store.Forum
	discussions map[int64]*store.Discussion
	discPosts   map[int64]map[int64]*store.Post
	forumSubs   map[int64][]int64
	discSubs    map[int64][]int64
	digests     map[digestKey]store.DigestLevel
}

type digestKey struct {
	userID  int64
	forumID int64
}

func newResolver(catalog store.CatalogStore, subs SubscriptionStore) *resolver {
	return &resolver{
		catalog:     catalog,
		subs:        subs,
		forums:      make(map[int64]*store.Forum),
		discussions: make(map[int64]*store.Discussion),
		discPosts:   make(map[int64]map[int64]*store.Post),
		forumSubs:   make(map[int64][]int64),
		discSubs:    make(map[int64][]int64),
		digests:     make(map[digestKey]store.DigestLevel),
	}
}

// forum returns the forum record, memoized for the run.
func (r *resolver) forum(ctx context.Context, id int64) (*store.Forum, error) {
	if f, ok := r.forums[id]; ok {
		return f, nil
	}
	f, err := r.catalog.GetForum(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get forum %d: %w", id, err)
	}
	r.forums[id] = f
	return f, nil
}

// discussion returns the discussion record, memoized for the run.
func (r *resolver) discussion(ctx context.Context, id int64) (*store.Discussion, error) {
	if d, ok := r.discussions[id]; ok {
		return d, nil
	}
	d, err := r.catalog.GetDiscussion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get discussion %d: %w", id, err)
	}
	r.discussions[id] = d
	return d, nil
}

// discussionPosts returns the discussion's live posts indexed by ID,
// memoized for the run. The digest drain resolves many queue rows
// against the same few discussions, so one catalog fetch per
// discussion replaces one per row.
func (r *resolver) discussionPosts(ctx context.Context, discussionID int64) (map[int64]*store.Post, error) {
	if posts, ok := r.discPosts[discussionID]; ok {
		return posts, nil
	}
	list, err := r.catalog.DiscussionPosts(ctx, discussionID)
	if err != nil {
		return nil, fmt.Errorf("discussion %d posts: %w", discussionID, err)
	}
	byID := make(map[int64]*store.Post, len(list))
	for _, p := range list {
		byID[p.ID] = p
	}
	r.discPosts[discussionID] = byID
	return byID, nil
}

// recipients returns the deduplicated union of forum-level and
// discussion-level subscribers, sorted by user ID for deterministic
// processing order.
//
// Forced-subscription forums report their whole eligible population as
// forum subscribers; no extra handling is needed here. Per-recipient
// eligibility (enrolment visibility, groups, timing) is the filter
// chain's job, not the resolver's.
func (r *resolver) recipients(ctx context.Context, forumID, discussionID int64) ([]int64, error) {
	fsubs, err := r.forumSubscribers(ctx, forumID)
	if err != nil {
		return nil, err
	}
	dsubs, err := r.discussionSubscribers(ctx, discussionID)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(fsubs)+len(dsubs))
	union := make([]int64, 0, len(fsubs)+len(dsubs))
	for _, lists := range [][]int64{fsubs, dsubs} {
		for _, id := range lists {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
	return union, nil
}

func (r *resolver) forumSubscribers(ctx context.Context, forumID int64) ([]int64, error) {
	if subs, ok := r.forumSubs[forumID]; ok {
		return subs, nil
	}
	subs, err := r.subs.ForumSubscribers(ctx, forumID)
	if err != nil {
		return nil, fmt.Errorf("forum %d subscribers: %w", forumID, err)
	}
	r.forumSubs[forumID] = subs
	return subs, nil
}

func (r *resolver) discussionSubscribers(ctx context.Context, discussionID int64) ([]int64, error) {
	if subs, ok := r.discSubs[discussionID]; ok {
		return subs, nil
	}
	subs, err := r.subs.DiscussionSubscribers(ctx, discussionID)
	if err != nil {
		return nil, fmt.Errorf("discussion %d subscribers: %w", discussionID, err)
	}
	r.discSubs[discussionID] = subs
	return subs, nil
}

// digestLevel resolves the effective digest level for a user on a
// forum: the per-forum preference when one exists, otherwise the user's
// global default, otherwise per-post delivery.
func (r *resolver) digestLevel(ctx context.Context, user *User, forumID int64) (store.DigestLevel, error) {
	key := digestKey{userID: user.ID, forumID: forumID}
	if level, ok := r.digests[key]; ok {
		return level, nil
	}

	level, err := r.subs.DigestLevel(ctx, user.ID, forumID)
	if err != nil {
		return store.DigestNone, fmt.Errorf("digest level user %d forum %d: %w", user.ID, forumID, err)
	}
	if level == store.DigestInherit {
		level = user.DigestDefault
	}
	if level == store.DigestInherit {
		level = store.DigestNone
	}

	r.digests[key] = level
	return level, nil
}
