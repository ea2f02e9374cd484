package store

import (
	"time"
)

// MailState tracks whether notification processing has been attempted
// for a post. Posts are created pending and transition to success in
// bulk before any mail is dispatched.
type MailState string

// Mail state constants.
const (
	MailStatePending MailState = "pending"
	MailStateSuccess MailState = "success"
	// MailStateError is advisory only. It is set after the batch when at
	// least one recipient send failed, for operational visibility. The
	// post has already been marked success for idempotency purposes.
	MailStateError MailState = "error"
)

// ForumType distinguishes forum behaviours that affect delivery.
type ForumType string

// Forum type constants.
const (
	ForumTypeGeneral ForumType = "general"
	// ForumTypeQA is a question-and-answer forum: a user must post in a
	// discussion before receiving others' replies to it.
	ForumTypeQA ForumType = "qanda"
)

// SubscriptionMode controls how users become subscribed to a forum.
type SubscriptionMode int

// Subscription mode constants.
const (
	SubscriptionOptional SubscriptionMode = iota
	SubscriptionForced
	SubscriptionAuto
	SubscriptionDisabled
)

// GroupMode controls group visibility on a forum.
type GroupMode int

// Group mode constants.
const (
	GroupsNone GroupMode = iota
	GroupsSeparate
	GroupsVisible
)

// DigestLevel is a per-user, per-forum delivery preference.
type DigestLevel int

// Digest level constants.
const (
	// DigestInherit means no per-forum row exists; the user's global
	// default applies.
	DigestInherit DigestLevel = -1
	// DigestNone delivers one email per post, near real-time.
	DigestNone DigestLevel = 0
	// DigestComplete batches full post content into one daily email.
	DigestComplete DigestLevel = 1
	// DigestSubjects batches subject-only lines into one daily email.
	DigestSubjects DigestLevel = 2
)

// GroupAll marks a discussion as visible to all groups.
const GroupAll int64 = -1

// Post is a forum post tracked for notification delivery.
type Post struct {
	ID           int64
	DiscussionID int64
	// ParentID is the post this one replies to, or 0 for a discussion
	// opener. Used for threading headers and the read-marking adjacency.
	ParentID int64
	AuthorID int64
	Subject  string
	Body     string
	HTMLBody string
	Created  time.Time
	Modified time.Time

	MailState MailState
	// MailNow forces immediate processing, bypassing the collection window.
	MailNow bool
	// PrivateReplyTo restricts visibility to a single recipient (and the
	// author). Zero means the post is not a private reply.
	PrivateReplyTo int64
	// Revealed lifts anonymization for this post on an anonymous forum.
	Revealed bool
	Deleted  bool
}

// IsPrivateReply reports whether the post is visible only to its target
// recipient and the author.
func (p *Post) IsPrivateReply() bool {
	return p.PrivateReplyTo != 0
}

// Discussion is a thread of posts within a forum.
type Discussion struct {
	ID      int64
	ForumID int64
	Name    string
	// GroupID binds the discussion to one group, or GroupAll.
	GroupID int64
	Pinned  bool
	// TimeStart/TimeEnd bound the release window for timed discussions.
	// Zero values mean unbounded on that side.
	TimeStart time.Time
	TimeEnd   time.Time
	// FirstPostID is the discussion opener, always visible in Q&A forums.
	FirstPostID int64
	Modified    time.Time
}

// ReleasedAt reports whether the discussion's timed-release window
// includes the given instant.
func (d *Discussion) ReleasedAt(now time.Time) bool {
	if !d.TimeStart.IsZero() && now.Before(d.TimeStart) {
		return false
	}
	if !d.TimeEnd.IsZero() && !now.Before(d.TimeEnd) {
		return false
	}
	return true
}

// Timed reports whether the discussion carries a release window at all.
func (d *Discussion) Timed() bool {
	return !d.TimeStart.IsZero() || !d.TimeEnd.IsZero()
}

// Forum is the container configuration that delivery decisions read.
type Forum struct {
	ID       int64
	CourseID int64
	Name     string
	Type     ForumType
	// Anonymous substitutes a placeholder identity for the author on
	// outbound mail unless the post is revealed.
	Anonymous        bool
	SubscriptionMode SubscriptionMode
	GroupMode        GroupMode
	// TimedPosts enables per-discussion release windows for this forum.
	// When false, TimeStart/TimeEnd on its discussions are ignored.
	TimedPosts bool
}

// QueueRow is a durable record that a post is owed to a user as part of
// their next digest. Created by the enqueuer, deleted exactly once by
// the drain job or the retention purge.
type QueueRow struct {
	ID           int64
	UserID       int64
	DiscussionID int64
	PostID       int64
	// Queued is the post's modification time at enqueue, used for the
	// drain cutoff and the retention purge.
	Queued time.Time
}

// Window bounds the unmailed-post selection for one pipeline run.
type Window struct {
	// Start/End bound post creation time: [Start, End).
	Start time.Time
	End   time.Time
	// Now anchors timed-release checks during selection.
	Now time.Time
}

// Contains reports whether t falls inside the selection window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
