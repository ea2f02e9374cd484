package forumnotify

import (
	"context"
	"fmt"
	"sync"
)

// userCache bounds per-run memory spent on user records. Up to capacity
// users are held as full records; beyond that only a stub (the ID and
// the fields delivery decisions need) is kept and the full record is
// re-fetched on demand.
//
// The cache lives for one run and is discarded with it, so staleness is
// bounded by run duration and no invalidation is needed.
type userCache struct {
	users    UserStore
	capacity int

	mu   sync.Mutex
	full map[int64]*User
	// stubs remembers users seen after the full map filled up. Presence
	// here means the user exists; the record must be re-fetched.
	stubs map[int64]struct{}
	// missing remembers IDs that resolved to not-found, so one broken
	// subscription row does not trigger a lookup per post.
	missing map[int64]struct{}

	hits      int64
	misses    int64
	refetches int64
}

func newUserCache(users UserStore, capacity int) *userCache {
	if capacity <= 0 {
		capacity = DefaultUserCacheCapacity
	}
	return &userCache{
		users:    users,
		capacity: capacity,
		full:     make(map[int64]*User),
		stubs:    make(map[int64]struct{}),
		missing:  make(map[int64]struct{}),
	}
}

// Get returns the user record for id, consulting the cache first.
// Returns ErrNotFound (wrapped) for unknown users; the result is
// negatively cached for the rest of the run.
func (c *userCache) Get(ctx context.Context, id int64) (*User, error) {
	c.mu.Lock()
	if u, ok := c.full[id]; ok {
		c.hits++
		c.mu.Unlock()
		return u, nil
	}
	if _, ok := c.missing[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	_, stub := c.stubs[id]
	if stub {
		c.refetches++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	u, err := c.users.GetUser(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			c.mu.Lock()
			c.missing[id] = struct{}{}
			c.mu.Unlock()
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}

	c.mu.Lock()
	if len(c.full) < c.capacity {
		c.full[id] = u
	} else {
		c.stubs[id] = struct{}{}
	}
	c.mu.Unlock()
	return u, nil
}

// Stats reports cache effectiveness counters for end-of-run logging.
func (c *userCache) Stats() (hits, misses, refetches int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.refetches
}

// Len returns the number of fully cached records.
func (c *userCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.full)
}
