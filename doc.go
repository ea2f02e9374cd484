// Package forumnotify provides a batch notification pipeline for forum
// posts: it turns new posts into per-recipient emails with at-most-once
// delivery, honoring subscription, visibility, and digest preferences.
//
// One Run processes everything the system owes since the last run.
// Schedule it from your application's cron or worker loop; runs are not
// designed to overlap.
//
// # Basic Usage
//
//	// Create in-memory store for testing
//	st := memory.New()
//
//	svc, err := forumnotify.NewService(
//	    forumnotify.WithStore(st),
//	    forumnotify.WithVisibilityOracle(oracle),
//	    forumnotify.WithSubscriptionStore(subs),
//	    forumnotify.WithUserStore(users),
//	    forumnotify.WithRenderer(render.NewPlain()),
//	    forumnotify.WithTransport(smtpTransport),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect initializes schema and the event bus
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	result, err := svc.Run(ctx)
//
// # Pipeline Phases
//
// Each Run executes, in order:
//
//   - Purge: queue rows older than the retention period are deleted.
//   - Collect: pending posts inside the collection window are selected
//     and atomically marked mailed before anything is sent. A failed
//     mark abandons the run; a crash after it under-delivers but never
//     duplicates.
//   - Deliver: every (post, recipient) pair is filtered through course
//     access, Q&A participation, group membership, timed release, and
//     private-reply checks, then either sent immediately or enqueued
//     for the recipient's daily digest. Exactly one of the two.
//   - Drain: once per day, queued rows become one digest email per
//     user. Rows are deleted before rendering; the watermark only
//     moves forward.
//
// # Storage Backends
//
// The store package provides implementations for:
//   - PostgreSQL (store/postgres) - accepts *sql.DB
//   - In-memory (store/memory) - for testing
//
// # Events
//
// The pipeline publishes typed events for post delivery, digest
// dispatch, and run completion. Events use the
// github.com/rbaliyan/event/v3 library which supports multiple
// transports (Redis Streams, NATS, Kafka, in-memory channel).
//
// To enable events, pass WithRedisClient or WithEventTransport when
// creating the service. Events are registered during Connect(); access
// them via the Events() method:
//
//	svc.Events().PostMailed.Subscribe(ctx, handler)
//	svc.Events().DigestSent.Subscribe(ctx, handler)
//	svc.Events().RunCompleted.Subscribe(ctx, handler)
//
// # Reply By Email
//
// With WithReplyKey configured, outbound notifications carry a
// tokenized reply-to address. The token authenticates the (post,
// recipient) pair; decode inbound tokens with svc.ReplyTokens().
package forumnotify
