package forumnotify

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/forumnotify/store"
)

// Sentinel errors for the forumnotify package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, forumnotify.ErrNotFound) will match both pipeline
// and store "not found" errors.
var (
	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("forumnotify: store is required")

	// ErrTransportRequired is returned when no mail transport is configured.
	ErrTransportRequired = errors.New("forumnotify: mail transport is required")

	// ErrRendererRequired is returned when no content renderer is configured.
	ErrRendererRequired = errors.New("forumnotify: content renderer is required")

	// ErrOracleRequired is returned when no visibility oracle is configured.
	ErrOracleRequired = errors.New("forumnotify: visibility oracle is required")

	// ErrSubscriptionsRequired is returned when no subscription store is configured.
	ErrSubscriptionsRequired = errors.New("forumnotify: subscription store is required")

	// ErrUsersRequired is returned when no user store is configured.
	ErrUsersRequired = errors.New("forumnotify: user store is required")

	// ErrNotFound is returned when a referenced entity cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("forumnotify: %w", store.ErrNotFound)

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("forumnotify: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("forumnotify: %w", store.ErrAlreadyConnected)

	// ErrCollectionFailed is returned when the bulk mark-as-mailed write
	// fails. The run aborts before any send: retrying the send phase
	// after a failed mark risks duplicate delivery on the next run.
	ErrCollectionFailed = errors.New("forumnotify: collection failed")

	// ErrReplyTokensDisabled is returned by token operations when no
	// reply key is configured.
	ErrReplyTokensDisabled = errors.New("forumnotify: reply tokens disabled")

	// ErrInvalidReplyToken is returned when a reply token cannot be
	// decoded or fails authentication.
	ErrInvalidReplyToken = errors.New("forumnotify: invalid reply token")
)

// IsNotFound reports whether err is a not-found error from any layer.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// CollectionError provides details about an aborted collection phase.
// The whole run was abandoned; no mail was sent and no queue rows were
// written. The posts remain pending and will be picked up by the next
// scheduled run.
type CollectionError struct {
	// Posts is the number of posts that had been selected.
	Posts int
	// Err is the underlying bulk-update error.
	Err error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("forumnotify: collection failed for %d posts: %v", e.Posts, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return ErrCollectionFailed
}

// SendError records one failed recipient delivery. Send failures are
// counted and logged but never block other recipients and never retried
// within the run.
type SendError struct {
	PostID      int64
	RecipientID int64
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("forumnotify: send post %d to user %d: %v", e.PostID, e.RecipientID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
