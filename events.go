package forumnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for pipeline events.
const (
	EventNamePostMailed   = "forumnotify.post.mailed"
	EventNameDigestSent   = "forumnotify.digest.sent"
	EventNameRunCompleted = "forumnotify.run.completed"
)

// PostMailedEvent is published after a post's immediate deliveries
// complete, whether or not every recipient succeeded.
type PostMailedEvent struct {
	PostID       int64     `json:"post_id"`
	DiscussionID int64     `json:"discussion_id"`
	ForumID      int64     `json:"forum_id"`
	Sent         int       `json:"sent"`
	Failed       int       `json:"failed"`
	Enqueued     int       `json:"enqueued"`
	MailedAt     time.Time `json:"mailed_at"`
}

// DigestSentEvent is published after a digest email is dispatched.
type DigestSentEvent struct {
	UserID int64     `json:"user_id"`
	Posts  int       `json:"posts"`
	SentAt time.Time `json:"sent_at"`
}

// RunCompletedEvent is published when a pipeline run finishes,
// including interrupted runs.
type RunCompletedEvent struct {
	RunID          string    `json:"run_id"`
	PostsCollected int64     `json:"posts_collected"`
	ImmediateSent  int64     `json:"immediate_sent"`
	SendErrors     int64     `json:"send_errors"`
	Enqueued       int64     `json:"enqueued"`
	DigestsSent    int64     `json:"digests_sent"`
	Interrupted    bool      `json:"interrupted"`
	Started        time.Time `json:"started"`
	Finished       time.Time `json:"finished"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().PostMailed.Subscribe(ctx, handler)
//	svc.Events().DigestSent.Subscribe(ctx, handler)
//	svc.Events().RunCompleted.Subscribe(ctx, handler)
type ServiceEvents struct {
	// PostMailed is published after a post's immediate deliveries complete.
	PostMailed event.Event[PostMailedEvent]

	// DigestSent is published after a digest email is dispatched.
	DigestSent event.Event[DigestSentEvent]

	// RunCompleted is published when a pipeline run finishes.
	RunCompleted event.Event[RunCompletedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		PostMailed:   event.New[PostMailedEvent](namePrefix + "." + EventNamePostMailed),
		DigestSent:   event.New[DigestSentEvent](namePrefix + "." + EventNameDigestSent),
		RunCompleted: event.New[RunCompletedEvent](namePrefix + "." + EventNameRunCompleted),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.PostMailed); err != nil {
		return fmt.Errorf("register PostMailed: %w", err)
	}
	if err := event.Register(ctx, bus, events.DigestSent); err != nil {
		return fmt.Errorf("register DigestSent: %w", err)
	}
	if err := event.Register(ctx, bus, events.RunCompleted); err != nil {
		return fmt.Errorf("register RunCompleted: %w", err)
	}
	return nil
}

// publishPostMailed publishes a PostMailedEvent; failures go to the
// configured handler and never fail the run.
func (s *service) publishPostMailed(ctx context.Context, ev PostMailedEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PostMailed.Publish(ctx, ev); err != nil {
		s.opts.safeEventPublishFailure("PostMailed", err)
	}
}

func (s *service) publishDigestSent(ctx context.Context, userID int64, posts int) {
	if s.events == nil {
		return
	}
	if err := s.events.DigestSent.Publish(ctx, DigestSentEvent{
		UserID: userID,
		Posts:  posts,
		SentAt: s.opts.clock(),
	}); err != nil {
		s.opts.safeEventPublishFailure("DigestSent", err)
	}
}

func (s *service) publishRunCompleted(ctx context.Context, result *RunResult) {
	if s.events == nil {
		return
	}
	if err := s.events.RunCompleted.Publish(ctx, RunCompletedEvent{
		RunID:          result.RunID,
		PostsCollected: result.PostsCollected,
		ImmediateSent:  result.ImmediateSent,
		SendErrors:     result.SendErrors,
		Enqueued:       result.Enqueued,
		DigestsSent:    result.DigestsSent,
		Interrupted:    result.Interrupted,
		Started:        result.Started,
		Finished:       result.Finished,
	}); err != nil {
		s.opts.safeEventPublishFailure("RunCompleted", err)
	}
}
