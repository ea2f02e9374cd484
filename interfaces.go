package forumnotify

import (
	"context"
	"strings"
	"time"

	"github.com/rbaliyan/forumnotify/store"
)

// Type aliases for commonly used store types.
// These allow users to work with the forumnotify package without
// importing store directly.
type (
	Post        = store.Post
	Discussion  = store.Discussion
	Forum       = store.Forum
	QueueRow    = store.QueueRow
	DigestLevel = store.DigestLevel
	MailState   = store.MailState
)

// Re-exported digest level constants.
const (
	DigestInherit  = store.DigestInherit
	DigestNone     = store.DigestNone
	DigestComplete = store.DigestComplete
	DigestSubjects = store.DigestSubjects
)

// Capability names the overrides the pipeline asks the visibility
// oracle about. The permission model behind them is a black box.
type Capability string

// Capabilities consulted during recipient filtering.
const (
	// CapabilityViewHiddenTimed admits a recipient to posts in timed
	// discussions outside their release window.
	CapabilityViewHiddenTimed Capability = "forum:viewhiddentimed"

	// CapabilityAccessAllGroups admits a recipient to discussions bound
	// to groups they are not a member of.
	CapabilityAccessAllGroups Capability = "forum:accessallgroups"

	// CapabilityReply marks a recipient as permitted to reply by email.
	// Without it no reply-to address is generated.
	CapabilityReply Capability = "forum:reply"
)

// User is the full user projection the pipeline mails to.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Email     string
	// Guest accounts never receive notifications.
	Guest bool
	// DigestDefault is the user's global digest preference, applied to
	// forums without a per-forum preference row.
	DigestDefault store.DigestLevel
	// TrackReads enables the courtesy read-marking of old posts
	// delivered immediately.
	TrackReads bool
}

// FullName returns the user's display name.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Identity is a sender or recipient on an outbound envelope.
type Identity struct {
	ID    int64
	Name  string
	Email string
}

// Custom header names set on outbound envelopes.
const (
	HeaderMessageID       = "Message-ID"
	HeaderInReplyTo       = "In-Reply-To"
	HeaderReferences      = "References"
	HeaderListUnsubscribe = "List-Unsubscribe"
	HeaderPrecedence      = "Precedence"
	HeaderAutoSubmitted   = "Auto-Submitted"
)

// Envelope is the boundary object handed to the mail transport.
// It carries fully rendered content plus threading and list headers;
// no wire format is implied.
type Envelope struct {
	From     Identity
	To       Identity
	ReplyTo  string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
}

// MailTransport dispatches a single rendered message. Implementations
// are external (SMTP relay, provider API, test fake). A returned error
// counts against the post but is never retried within a run.
type MailTransport interface {
	Send(ctx context.Context, env *Envelope) error
}

// VisibilityOracle answers per-user visibility questions. The pipeline
// consumes it as a black box; errors from any method are treated as
// "deny" for that recipient, never as run failures.
type VisibilityOracle interface {
	// CanSeePost reports whether the user may see an individual post.
	CanSeePost(ctx context.Context, f *store.Forum, d *store.Discussion, p *store.Post, userID int64) (bool, error)

	// CanSeeDiscussion reports whether the user may see a discussion at all.
	CanSeeDiscussion(ctx context.Context, f *store.Forum, d *store.Discussion, userID int64) (bool, error)

	// CanSeeCourse reports whether the user may access the course the
	// forum lives in, including the hidden-course override.
	CanSeeCourse(ctx context.Context, userID, courseID int64) (bool, error)

	// InGroup reports group membership.
	InGroup(ctx context.Context, userID, groupID int64) (bool, error)

	// HasPosted reports whether the user has posted in the discussion.
	// Gates replies in Q&A forums.
	HasPosted(ctx context.Context, userID, discussionID int64) (bool, error)

	// HasCapability reports whether the user holds an override in the
	// forum's scope.
	HasCapability(ctx context.Context, userID int64, c Capability, forumID int64) (bool, error)
}

// SubscriptionStore resolves who wants notifications and how they want
// them batched.
type SubscriptionStore interface {
	// ForumSubscribers returns the IDs of actively enrolled users with a
	// forum-level subscription. For force-subscribed forums this is the
	// full eligible population.
	ForumSubscribers(ctx context.Context, forumID int64) ([]int64, error)

	// DiscussionSubscribers returns the IDs of users subscribed to one
	// specific discussion.
	DiscussionSubscribers(ctx context.Context, discussionID int64) ([]int64, error)

	// DigestLevel returns the user's per-forum digest preference, or
	// store.DigestInherit when no row exists.
	DigestLevel(ctx context.Context, userID, forumID int64) (store.DigestLevel, error)
}

// UserStore retrieves full user records.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
}

// RenderInput carries everything a renderer needs for one post and
// one recipient. Author is already anonymized when the forum calls
// for it; renderers must not reach back to the real author.
type RenderInput struct {
	Forum      *store.Forum
	Discussion *store.Discussion
	Post       *store.Post
	Author     Identity
	Recipient  *User
}

// RenderedMessage is the output of rendering a single-post email.
type RenderedMessage struct {
	Subject  string
	TextBody string
	HTMLBody string
}

// DigestFragment is one post's contribution to a digest email.
type DigestFragment struct {
	Text string
	HTML string
}

// ContentRenderer produces message bodies. The render package provides
// a plain-text builtin; platform themes supply their own.
type ContentRenderer interface {
	// RenderImmediate renders the subject and bodies for a single-post email.
	RenderImmediate(ctx context.Context, in *RenderInput) (*RenderedMessage, error)

	// RenderDigestEntry renders one post's fragment for a digest email.
	// Level is the resolved digest level: DigestSubjects yields a
	// subject-only line, anything else full content.
	RenderDigestEntry(ctx context.Context, in *RenderInput, level store.DigestLevel) (*DigestFragment, error)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// BudgetFunc is the soft execution-time budget threaded through
// recipient loops. It is called between recipients; a non-nil error
// means the budget could not be renewed and the run must stop cleanly
// after the current unit of work.
type BudgetFunc func(ctx context.Context) error
