package postgres

import (
	"database/sql"
	"time"

	"github.com/rbaliyan/forumnotify/store"
)

// Row structs map table columns onto store types. Nullable timestamps
// become zero time values.

type forumRow struct {
	ID               int64  `db:"id"`
	CourseID         int64  `db:"course_id"`
	Name             string `db:"name"`
	Type             string `db:"type"`
	Anonymous        bool   `db:"anonymous"`
	SubscriptionMode int    `db:"subscription_mode"`
	GroupMode        int    `db:"group_mode"`
	TimedPosts       bool   `db:"timed_posts"`
}

func (r *forumRow) toForum() *store.Forum {
	return &store.Forum{
		ID:               r.ID,
		CourseID:         r.CourseID,
		Name:             r.Name,
		Type:             store.ForumType(r.Type),
		Anonymous:        r.Anonymous,
		SubscriptionMode: store.SubscriptionMode(r.SubscriptionMode),
		GroupMode:        store.GroupMode(r.GroupMode),
		TimedPosts:       r.TimedPosts,
	}
}

type discussionRow struct {
	ID          int64        `db:"id"`
	ForumID     int64        `db:"forum_id"`
	Name        string       `db:"name"`
	GroupID     int64        `db:"group_id"`
	Pinned      bool         `db:"pinned"`
	TimeStart   sql.NullTime `db:"time_start"`
	TimeEnd     sql.NullTime `db:"time_end"`
	FirstPostID int64        `db:"first_post_id"`
	Modified    time.Time    `db:"modified"`
}

func (r *discussionRow) toDiscussion() *store.Discussion {
	d := &store.Discussion{
		ID:          r.ID,
		ForumID:     r.ForumID,
		Name:        r.Name,
		GroupID:     r.GroupID,
		Pinned:      r.Pinned,
		FirstPostID: r.FirstPostID,
		Modified:    r.Modified,
	}
	if r.TimeStart.Valid {
		d.TimeStart = r.TimeStart.Time
	}
	if r.TimeEnd.Valid {
		d.TimeEnd = r.TimeEnd.Time
	}
	return d
}

type postRow struct {
	ID             int64     `db:"id"`
	DiscussionID   int64     `db:"discussion_id"`
	ParentID       int64     `db:"parent_id"`
	AuthorID       int64     `db:"author_id"`
	Subject        string    `db:"subject"`
	Body           string    `db:"body"`
	HTMLBody       string    `db:"html_body"`
	Created        time.Time `db:"created"`
	Modified       time.Time `db:"modified"`
	MailState      string    `db:"mail_state"`
	MailNow        bool      `db:"mail_now"`
	PrivateReplyTo int64     `db:"private_reply_to"`
	Revealed       bool      `db:"revealed"`
	Deleted        bool      `db:"deleted"`
}

func (r *postRow) toPost() *store.Post {
	return &store.Post{
		ID:             r.ID,
		DiscussionID:   r.DiscussionID,
		ParentID:       r.ParentID,
		AuthorID:       r.AuthorID,
		Subject:        r.Subject,
		Body:           r.Body,
		HTMLBody:       r.HTMLBody,
		Created:        r.Created,
		Modified:       r.Modified,
		MailState:      store.MailState(r.MailState),
		MailNow:        r.MailNow,
		PrivateReplyTo: r.PrivateReplyTo,
		Revealed:       r.Revealed,
		Deleted:        r.Deleted,
	}
}

type queueRowRec struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	DiscussionID int64     `db:"discussion_id"`
	PostID       int64     `db:"post_id"`
	Queued       time.Time `db:"queued"`
}

func (r *queueRowRec) toQueueRow() store.QueueRow {
	return store.QueueRow{
		ID:           r.ID,
		UserID:       r.UserID,
		DiscussionID: r.DiscussionID,
		PostID:       r.PostID,
		Queued:       r.Queued,
	}
}
