package forumnotify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/forumnotify/store"
	"github.com/rbaliyan/forumnotify/store/memory"
)

// =============================================================================
// Test fakes
// =============================================================================

// fakeOracle allows everything unless an override function is set.
type fakeOracle struct {
	canSeeCourse  func(userID, courseID int64) (bool, error)
	inGroup       func(userID, groupID int64) (bool, error)
	hasPosted     func(userID, discussionID int64) (bool, error)
	hasCapability func(userID int64, c Capability, forumID int64) (bool, error)
	canSeePost    func(userID, postID int64) (bool, error)
}

func (o *fakeOracle) CanSeePost(_ context.Context, _ *store.Forum, _ *store.Discussion, p *store.Post, userID int64) (bool, error) {
	if o.canSeePost != nil {
		return o.canSeePost(userID, p.ID)
	}
	return true, nil
}

func (o *fakeOracle) CanSeeDiscussion(_ context.Context, _ *store.Forum, _ *store.Discussion, _ int64) (bool, error) {
	return true, nil
}

func (o *fakeOracle) CanSeeCourse(_ context.Context, userID, courseID int64) (bool, error) {
	if o.canSeeCourse != nil {
		return o.canSeeCourse(userID, courseID)
	}
	return true, nil
}

func (o *fakeOracle) InGroup(_ context.Context, userID, groupID int64) (bool, error) {
	if o.inGroup != nil {
		return o.inGroup(userID, groupID)
	}
	return true, nil
}

func (o *fakeOracle) HasPosted(_ context.Context, userID, discussionID int64) (bool, error) {
	if o.hasPosted != nil {
		return o.hasPosted(userID, discussionID)
	}
	return true, nil
}

func (o *fakeOracle) HasCapability(_ context.Context, userID int64, c Capability, forumID int64) (bool, error) {
	if o.hasCapability != nil {
		return o.hasCapability(userID, c, forumID)
	}
	return false, nil
}

// fakeSubs is a map-backed subscription store.
type fakeSubs struct {
	forumSubs map[int64][]int64
	discSubs  map[int64][]int64
	digest    map[[2]int64]store.DigestLevel // [userID, forumID]
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{
		forumSubs: make(map[int64][]int64),
		discSubs:  make(map[int64][]int64),
		digest:    make(map[[2]int64]store.DigestLevel),
	}
}

func (s *fakeSubs) ForumSubscribers(_ context.Context, forumID int64) ([]int64, error) {
	return s.forumSubs[forumID], nil
}

func (s *fakeSubs) DiscussionSubscribers(_ context.Context, discussionID int64) ([]int64, error) {
	return s.discSubs[discussionID], nil
}

func (s *fakeSubs) DigestLevel(_ context.Context, userID, forumID int64) (store.DigestLevel, error) {
	if level, ok := s.digest[[2]int64{userID, forumID}]; ok {
		return level, nil
	}
	return store.DigestInherit, nil
}

// fakeUsers is a map-backed user store.
type fakeUsers struct {
	mu    sync.Mutex
	users map[int64]*User
	gets  int
}

func newFakeUsers(users ...*User) *fakeUsers {
	m := make(map[int64]*User, len(users))
	for _, u := range users {
		m[u.ID] = u
	}
	return &fakeUsers{users: m}
}

func (s *fakeUsers) GetUser(_ context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// fakeTransport records sent envelopes and can fail selected recipients.
type fakeTransport struct {
	mu        sync.Mutex
	envelopes []*Envelope
	failTo    map[int64]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failTo: make(map[int64]error)}
}

func (t *fakeTransport) Send(_ context.Context, env *Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failTo[env.To.ID]; ok {
		return err
	}
	cp := *env
	t.envelopes = append(t.envelopes, &cp)
	return nil
}

func (t *fakeTransport) sent() []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Envelope, len(t.envelopes))
	copy(out, t.envelopes)
	return out
}

func (t *fakeTransport) sentTo(userID int64) []*Envelope {
	var out []*Envelope
	for _, env := range t.sent() {
		if env.To.ID == userID {
			out = append(out, env)
		}
	}
	return out
}

// fakeRenderer produces trivial but recognizable content.
type fakeRenderer struct{}

func (fakeRenderer) RenderImmediate(_ context.Context, in *RenderInput) (*RenderedMessage, error) {
	return &RenderedMessage{
		Subject:  "[" + in.Forum.Name + "] " + in.Post.Subject,
		TextBody: in.Author.Name + ": " + in.Post.Body,
	}, nil
}

func (fakeRenderer) RenderDigestEntry(_ context.Context, in *RenderInput, level store.DigestLevel) (*DigestFragment, error) {
	if level == store.DigestSubjects {
		return &DigestFragment{Text: "* " + in.Post.Subject}, nil
	}
	return &DigestFragment{Text: in.Post.Subject + "\n" + in.Post.Body}, nil
}

// =============================================================================
// Test environment
// =============================================================================

type testEnv struct {
	store     *memory.Store
	subs      *fakeSubs
	users     *fakeUsers
	oracle    *fakeOracle
	transport *fakeTransport
	svc       Service
	now       time.Time
}

func (e *testEnv) setNow(t time.Time) { e.now = t }

// newTestEnv builds a connected service around the in-memory store with
// allow-all visibility. The clock is frozen at baseTime and advanced
// with setNow.
func newTestEnv(t *testing.T, baseTime time.Time, extra ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     memory.New(),
		subs:      newFakeSubs(),
		users:     newFakeUsers(),
		oracle:    &fakeOracle{},
		transport: newFakeTransport(),
		now:       baseTime,
	}

	opts := []Option{
		WithStore(env.store),
		WithVisibilityOracle(env.oracle),
		WithSubscriptionStore(env.subs),
		WithUserStore(env.users),
		WithRenderer(fakeRenderer{}),
		WithTransport(env.transport),
		WithClock(func() time.Time { return env.now }),
	}
	opts = append(opts, extra...)

	svc, err := NewService(opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })

	env.svc = svc
	return env
}

func (e *testEnv) addUser(u *User) {
	e.users.mu.Lock()
	defer e.users.mu.Unlock()
	e.users.users[u.ID] = u
}

// seedThread creates forum 1 / discussion 10 with an opener post 100 by
// author 1, created two hours before base time.
func (e *testEnv) seedThread(base time.Time) {
	e.store.PutForum(&store.Forum{ID: 1, CourseID: 1, Name: "General"})
	e.store.PutDiscussion(&store.Discussion{ID: 10, ForumID: 1, Name: "Welcome", GroupID: store.GroupAll, FirstPostID: 100})
	e.store.PutPost(&store.Post{
		ID: 100, DiscussionID: 10, AuthorID: 1,
		Subject: "Hello", Body: "First post",
		Created: base.Add(-2 * time.Hour), Modified: base.Add(-2 * time.Hour),
	})
	e.addUser(&User{ID: 1, Username: "author", FirstName: "Avery", LastName: "Author", Email: "author@example.com"})
}

var baseTime = time.Date(2026, time.March, 10, 10, 0, 0, 0, time.UTC)

// =============================================================================
// Scenarios
// =============================================================================

func TestRunImmediateDelivery(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "reader", Email: "reader@example.com"})
	env.subs.forumSubs[1] = []int64{1, 2}

	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.PostsCollected != 1 {
		t.Errorf("expected 1 collected post, got %d", result.PostsCollected)
	}
	if result.ImmediateSent != 2 {
		t.Errorf("expected 2 immediate sends, got %d", result.ImmediateSent)
	}
	if result.Enqueued != 0 {
		t.Errorf("expected no queue rows, got %d", result.Enqueued)
	}

	envs := env.transport.sentTo(2)
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope for user 2, got %d", len(envs))
	}
	env2 := envs[0]
	if env2.Subject != "[General] Hello" {
		t.Errorf("unexpected subject %q", env2.Subject)
	}
	if env2.Headers[HeaderMessageID] == "" {
		t.Error("missing Message-ID header")
	}
	if env2.Headers[HeaderPrecedence] != "bulk" {
		t.Errorf("unexpected Precedence %q", env2.Headers[HeaderPrecedence])
	}

	p, err := env.store.GetPost(context.Background(), 100)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if p.MailState != store.MailStateSuccess {
		t.Errorf("expected post marked success, got %q", p.MailState)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.subs.forumSubs[1] = []int64{1}

	if _, err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	sentAfterFirst := len(env.transport.sent())

	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.PostsCollected != 0 {
		t.Errorf("second run collected %d posts, want 0", result.PostsCollected)
	}
	if got := len(env.transport.sent()); got != sentAfterFirst {
		t.Errorf("second run sent %d extra envelopes", got-sentAfterFirst)
	}
}

func TestRunEditingGrace(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.subs.forumSubs[1] = []int64{1}

	// A post fresher than the editing grace period stays pending.
	env.store.PutPost(&store.Post{
		ID: 101, DiscussionID: 10, AuthorID: 1,
		Subject: "Fresh", Body: "Still editable",
		Created: baseTime.Add(-5 * time.Minute), Modified: baseTime.Add(-5 * time.Minute),
	})
	// MailNow bypasses the grace period.
	env.store.PutPost(&store.Post{
		ID: 102, DiscussionID: 10, AuthorID: 1,
		Subject: "Urgent", Body: "Mail now",
		Created: baseTime.Add(-5 * time.Minute), Modified: baseTime.Add(-5 * time.Minute),
		MailNow: true,
	})

	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.PostsCollected != 2 { // opener + MailNow
		t.Errorf("expected 2 collected posts, got %d", result.PostsCollected)
	}

	p, _ := env.store.GetPost(context.Background(), 101)
	if p.MailState != store.MailStatePending {
		t.Errorf("fresh post should stay pending, got %q", p.MailState)
	}
	p, _ = env.store.GetPost(context.Background(), 102)
	if p.MailState != store.MailStateSuccess {
		t.Errorf("mail-now post should be mailed, got %q", p.MailState)
	}
}

// failingMarkStore wraps the memory store and fails the bulk mark.
type failingMarkStore struct {
	*memory.Store
	markErr error
}

func (s *failingMarkStore) MarkMailed(ctx context.Context, ids []int64, state store.MailState) (int64, error) {
	if s.markErr != nil {
		return 0, s.markErr
	}
	return s.Store.MarkMailed(ctx, ids, state)
}

func TestRunAbortsWhenMarkFails(t *testing.T) {
	mem := memory.New()
	failing := &failingMarkStore{Store: mem, markErr: errors.New("db down")}

	env := &testEnv{
		store: mem, subs: newFakeSubs(), users: newFakeUsers(),
		oracle: &fakeOracle{}, transport: newFakeTransport(), now: baseTime,
	}
	svc, err := NewService(
		WithStore(failing),
		WithVisibilityOracle(env.oracle),
		WithSubscriptionStore(env.subs),
		WithUserStore(env.users),
		WithRenderer(fakeRenderer{}),
		WithTransport(env.transport),
		WithClock(func() time.Time { return env.now }),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Close(context.Background())

	env.seedThread(baseTime)
	env.subs.forumSubs[1] = []int64{1}

	_, err = svc.Run(context.Background())
	if !errors.Is(err, ErrCollectionFailed) {
		t.Fatalf("expected ErrCollectionFailed, got %v", err)
	}
	if len(env.transport.sent()) != 0 {
		t.Error("no mail may be sent when the bulk mark fails")
	}
	p, _ := mem.GetPost(context.Background(), 100)
	if p.MailState != store.MailStatePending {
		t.Errorf("post must stay pending after aborted run, got %q", p.MailState)
	}
}

func TestRunSendFailureIsAdvisory(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "ok", Email: "ok@example.com"})
	env.addUser(&User{ID: 3, Username: "broken", Email: "broken@example.com"})
	env.subs.forumSubs[1] = []int64{2, 3}
	env.transport.failTo[3] = errors.New("mailbox full")

	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ImmediateSent != 1 {
		t.Errorf("expected 1 successful send, got %d", result.ImmediateSent)
	}
	if result.SendErrors != 1 {
		t.Errorf("expected 1 send error, got %d", result.SendErrors)
	}

	// Advisory state only: the post is never re-delivered.
	p, _ := env.store.GetPost(context.Background(), 100)
	if p.MailState != store.MailStateError {
		t.Errorf("expected advisory error state, got %q", p.MailState)
	}

	again, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.PostsCollected != 0 {
		t.Error("post with advisory error state must not be re-collected")
	}
}

func TestRunDigestLifecycle(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "digester", Email: "digest@example.com", DigestDefault: store.DigestComplete})
	env.subs.forumSubs[1] = []int64{2}

	// Morning run: enqueue only, digest hour (17:00) not reached.
	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("morning run: %v", err)
	}
	if result.Enqueued != 1 {
		t.Fatalf("expected 1 queue row, got %d", result.Enqueued)
	}
	if result.ImmediateSent != 0 {
		t.Errorf("digest subscriber must not get immediate mail, got %d", result.ImmediateSent)
	}
	if result.DigestsSent != 0 {
		t.Errorf("digest must not fire before the digest hour, got %d", result.DigestsSent)
	}
	if env.store.QueueLen() != 1 {
		t.Fatalf("expected 1 row in queue, got %d", env.store.QueueLen())
	}

	// Evening run: drain fires once.
	env.setNow(baseTime.Add(8 * time.Hour)) // 18:00
	result, err = env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("evening run: %v", err)
	}
	if result.DigestsSent != 1 {
		t.Fatalf("expected 1 digest, got %d", result.DigestsSent)
	}
	if env.store.QueueLen() != 0 {
		t.Errorf("queue should be empty after drain, got %d rows", env.store.QueueLen())
	}
	envs := env.transport.sentTo(2)
	if len(envs) != 1 {
		t.Fatalf("expected 1 digest envelope, got %d", len(envs))
	}

	// Later the same evening: the watermark keeps the drain shut.
	env.setNow(baseTime.Add(10 * time.Hour))
	result, err = env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("late run: %v", err)
	}
	if result.DigestsSent != 0 {
		t.Errorf("digest fired twice in one day: %d", result.DigestsSent)
	}
}

func TestRunMailNowBypassesDigest(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "digester", Email: "digest@example.com", DigestDefault: store.DigestComplete})
	env.subs.forumSubs[1] = []int64{2}

	// An ordinary post queues for the digest; a mail-now post goes out
	// immediately even to digest subscribers.
	env.store.PutPost(&store.Post{
		ID: 101, DiscussionID: 10, AuthorID: 1,
		Subject: "Urgent", Body: "Mail now",
		Created: baseTime.Add(-5 * time.Minute), Modified: baseTime.Add(-5 * time.Minute),
		MailNow: true,
	})

	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Enqueued != 1 {
		t.Errorf("expected 1 queue row for the ordinary post, got %d", result.Enqueued)
	}
	if result.ImmediateSent != 1 {
		t.Fatalf("expected 1 immediate send for the mail-now post, got %d", result.ImmediateSent)
	}

	envs := env.transport.sentTo(2)
	if len(envs) != 1 || envs[0].Subject != "[General] Urgent" {
		t.Errorf("digest subscriber should get the mail-now post immediately, got %+v", envs)
	}
}

func TestRunDigestSubjectsOnly(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "subjects", Email: "s@example.com"})
	env.subs.forumSubs[1] = []int64{2}
	env.subs.digest[[2]int64{2, 1}] = store.DigestSubjects

	if _, err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("enqueue run: %v", err)
	}

	env.setNow(baseTime.Add(8 * time.Hour))
	if _, err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("drain run: %v", err)
	}

	envs := env.transport.sentTo(2)
	if len(envs) != 1 {
		t.Fatalf("expected 1 digest envelope, got %d", len(envs))
	}
	if want := "* Hello"; !strings.Contains(envs[0].TextBody, want) {
		t.Errorf("subjects digest body %q missing %q", envs[0].TextBody, want)
	}
	if strings.Contains(envs[0].TextBody, "First post") {
		t.Error("subjects digest must not include post bodies")
	}
}

func TestRunDigestFailureDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "ok", Email: "ok@example.com", DigestDefault: store.DigestComplete})
	env.addUser(&User{ID: 3, Username: "broken", Email: "broken@example.com", DigestDefault: store.DigestComplete})
	env.subs.forumSubs[1] = []int64{2, 3}
	env.transport.failTo[3] = errors.New("mailbox full")

	if _, err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("enqueue run: %v", err)
	}
	if env.store.QueueLen() != 2 {
		t.Fatalf("expected 2 queue rows, got %d", env.store.QueueLen())
	}

	env.setNow(baseTime.Add(8 * time.Hour))
	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("drain run: %v", err)
	}
	if result.DigestsSent != 1 {
		t.Errorf("expected 1 delivered digest, got %d", result.DigestsSent)
	}
	if result.DigestErrors != 1 {
		t.Errorf("expected 1 digest error, got %d", result.DigestErrors)
	}
	if len(env.transport.sentTo(2)) != 1 {
		t.Error("healthy recipient's digest must not be blocked by another's failure")
	}
	// Rows are deleted before the send, so the failed user's are gone too.
	if env.store.QueueLen() != 0 {
		t.Errorf("queue should be empty after drain, got %d rows", env.store.QueueLen())
	}

	// The watermark advanced despite the failure: no retry later today.
	env.setNow(baseTime.Add(10 * time.Hour))
	delete(env.transport.failTo, 3)
	result, err = env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("late run: %v", err)
	}
	if result.DigestsSent != 0 {
		t.Errorf("failed digest must not be retried, got %d sends", result.DigestsSent)
	}
	if len(env.transport.sentTo(3)) != 0 {
		t.Error("failed recipient must not receive a late duplicate digest")
	}
}

func TestRunQueueRetentionPurge(t *testing.T) {
	env := newTestEnv(t, baseTime, WithDigestHour(DigestHourDisabled))
	env.seedThread(baseTime)

	stale := store.QueueRow{UserID: 2, DiscussionID: 10, PostID: 100, Queued: baseTime.Add(-8 * 24 * time.Hour)}
	fresh := store.QueueRow{UserID: 2, DiscussionID: 10, PostID: 100, Queued: baseTime.Add(-2 * time.Hour)}
	ctx := context.Background()
	if err := env.store.Enqueue(ctx, stale); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.store.Enqueue(ctx, fresh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := env.svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.QueueRowsPurged != 1 {
		t.Errorf("expected 1 purged row, got %d", result.QueueRowsPurged)
	}
	if env.store.QueueLen() != 1 {
		t.Errorf("expected fresh row to survive, queue len %d", env.store.QueueLen())
	}
	if result.DigestsSent != 0 {
		t.Errorf("drain disabled, but %d digests sent", result.DigestsSent)
	}
}

func TestRunBudgetInterrupt(t *testing.T) {
	var calls int
	budget := func(context.Context) error {
		calls++
		if calls > 1 {
			return fmt.Errorf("out of time")
		}
		return nil
	}

	env := newTestEnv(t, baseTime, WithTimeBudget(budget), WithMaxConcurrentSends(1))
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "u2", Email: "u2@example.com"})
	env.addUser(&User{ID: 3, Username: "u3", Email: "u3@example.com"})
	env.addUser(&User{ID: 4, Username: "u4", Email: "u4@example.com"})
	env.subs.forumSubs[1] = []int64{2, 3, 4}

	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Interrupted {
		t.Fatal("expected interrupted run")
	}
	if result.ImmediateSent >= 3 {
		t.Errorf("interrupt should stop before all recipients, sent %d", result.ImmediateSent)
	}
}

func TestRunSkipsGuestsAndMissingUsers(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "guest", Email: "guest@example.com", Guest: true})
	// User 3 does not exist at all.
	env.addUser(&User{ID: 4, Username: "real", Email: "real@example.com"})
	env.subs.forumSubs[1] = []int64{2, 3, 4}

	result, err := env.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ImmediateSent != 1 {
		t.Errorf("expected 1 send (real user only), got %d", result.ImmediateSent)
	}
	if len(env.transport.sentTo(2)) != 0 {
		t.Error("guest must not receive mail")
	}
}

func TestRunAnonymousForum(t *testing.T) {
	env := newTestEnv(t, baseTime, WithAnonymousIdentity("Somebody", "nobody@example.com"))
	env.store.PutForum(&store.Forum{ID: 1, CourseID: 1, Name: "Confessions", Anonymous: true})
	env.store.PutDiscussion(&store.Discussion{ID: 10, ForumID: 1, Name: "D", GroupID: store.GroupAll, FirstPostID: 100})
	env.store.PutPost(&store.Post{
		ID: 100, DiscussionID: 10, AuthorID: 1, Subject: "Secret", Body: "hidden author",
		Created: baseTime.Add(-2 * time.Hour), Modified: baseTime.Add(-2 * time.Hour),
	})
	env.store.PutPost(&store.Post{
		ID: 101, DiscussionID: 10, ParentID: 100, AuthorID: 1, Subject: "Re: Secret", Body: "revealed",
		Revealed: true,
		Created:  baseTime.Add(-2 * time.Hour), Modified: baseTime.Add(-90 * time.Minute),
	})
	env.addUser(&User{ID: 1, FirstName: "Avery", LastName: "Author", Email: "author@example.com"})
	env.addUser(&User{ID: 2, Username: "reader", Email: "reader@example.com"})
	env.subs.forumSubs[1] = []int64{2}

	if _, err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	envs := env.transport.sentTo(2)
	if len(envs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envs))
	}
	for _, e := range envs {
		switch e.Subject {
		case "[Confessions] Secret":
			if !strings.Contains(e.TextBody, "Somebody") {
				t.Errorf("anonymous post leaked author: %q", e.TextBody)
			}
		case "[Confessions] Re: Secret":
			if !strings.Contains(e.TextBody, "Avery Author") {
				t.Errorf("revealed post should name the author: %q", e.TextBody)
			}
		default:
			t.Errorf("unexpected envelope subject %q", e.Subject)
		}
	}
}

func TestRunPrivateReply(t *testing.T) {
	env := newTestEnv(t, baseTime)
	env.seedThread(baseTime)
	env.store.PutPost(&store.Post{
		ID: 101, DiscussionID: 10, ParentID: 100, AuthorID: 1,
		Subject: "Private", Body: "just for you", PrivateReplyTo: 2,
		Created: baseTime.Add(-time.Hour), Modified: baseTime.Add(-time.Hour),
	})
	env.addUser(&User{ID: 2, Username: "target", Email: "t@example.com"})
	env.addUser(&User{ID: 3, Username: "other", Email: "o@example.com"})
	env.subs.forumSubs[1] = []int64{2, 3}

	if _, err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, e := range env.transport.sentTo(3) {
		if e.Subject == "[General] Private" {
			t.Fatal("private reply leaked to a third party")
		}
	}
	var gotPrivate bool
	for _, e := range env.transport.sentTo(2) {
		if e.Subject == "[General] Private" {
			gotPrivate = true
		}
	}
	if !gotPrivate {
		t.Error("private reply target did not receive the post")
	}
}

func TestRunReadMarking(t *testing.T) {
	env := newTestEnv(t, baseTime, WithReadTracking(true))
	env.seedThread(baseTime)
	env.addUser(&User{ID: 2, Username: "tracker", Email: "t@example.com", TrackReads: true})
	env.addUser(&User{ID: 3, Username: "nontracker", Email: "n@example.com"})
	env.subs.forumSubs[1] = []int64{2, 3}

	if _, err := env.svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !env.store.IsRead(2, 100) {
		t.Error("tracking user's delivered post should be marked read")
	}
	if env.store.IsRead(3, 100) {
		t.Error("non-tracking user must not be marked read")
	}
}
