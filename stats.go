package forumnotify

import "time"

// RunResult summarizes one pipeline run for logging and scheduling
// decisions.
type RunResult struct {
	// RunID uniquely identifies this run in logs and events.
	RunID string

	// PostsCollected is the number of posts selected and marked this run.
	PostsCollected int64

	// ImmediateSent counts successful per-post deliveries.
	ImmediateSent int64

	// SendErrors counts failed per-post deliveries. Failures are never
	// retried; the posts carry an advisory error state instead.
	SendErrors int64

	// Enqueued counts queue rows written for digest recipients.
	Enqueued int64

	// DigestsSent counts digest emails dispatched by the drain.
	DigestsSent int64

	// DigestErrors counts recipients whose digest failed to deliver.
	DigestErrors int64

	// QueueRowsPurged counts rows removed by the retention purge.
	QueueRowsPurged int64

	// QueueRowsDrained counts rows consumed by the digest drain.
	QueueRowsDrained int64

	// Interrupted is set when the time budget stopped the run early.
	// Remaining work is picked up by the next scheduled run.
	Interrupted bool

	Started  time.Time
	Finished time.Time
}

// Duration returns the wall-clock time the run took.
func (r *RunResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Delivered reports whether the run dispatched any mail at all.
func (r *RunResult) Delivered() bool {
	return r.ImmediateSent > 0 || r.DigestsSent > 0
}
