package forumnotify

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/forumnotify/store"
)

// Default configuration values.
const (
	// DefaultMaxEditingTime is how long authors may still edit a post.
	// Posts younger than this are not collected yet.
	DefaultMaxEditingTime = 30 * time.Minute

	// DefaultCollectionWindow bounds how far back one run looks for
	// pending posts. Anything older is left to the retention purge.
	DefaultCollectionWindow = 48 * time.Hour

	// DefaultQueueRetention is how long undrained queue rows survive
	// before the unconditional purge removes them.
	DefaultQueueRetention = 7 * 24 * time.Hour

	// DefaultDigestHour is the hour of day (site timezone) at which the
	// daily digest becomes due.
	DefaultDigestHour = 17

	// DigestHourDisabled disables the digest drain entirely. The
	// retention purge still runs.
	DigestHourDisabled = -1

	// DefaultUserCacheCapacity bounds the number of full user records
	// cached within a single run.
	DefaultUserCacheCapacity = 5000

	// DefaultMaxConcurrentSends caps the immediate-send worker pool.
	DefaultMaxConcurrentSends = 10

	// DefaultShutdownTimeout is the graceful shutdown wait for in-flight sends.
	DefaultShutdownTimeout = 30 * time.Second
	MinShutdownTimeout     = 1 * time.Second

	// DefaultMessageDomain is the domain used in generated Message-ID
	// headers and reply addresses.
	DefaultMessageDomain = "localhost"

	// Defaults for the placeholder identity substituted on anonymous forums.
	DefaultAnonymousName  = "Anonymous"
	DefaultAnonymousEmail = "noreply@localhost"
)

// options holds pipeline configuration.
type options struct {
	store         store.Store
	oracle        VisibilityOracle
	subscriptions SubscriptionStore
	users         UserStore
	renderer      ContentRenderer
	transport     MailTransport
	logger        *slog.Logger

	// Timing
	clock            Clock
	location         *time.Location
	maxEditingTime   time.Duration
	collectionWindow time.Duration
	queueRetention   time.Duration
	digestHour       int
	budget           BudgetFunc

	// Delivery
	sender             Identity
	messageDomain      string
	anonymousName      string
	anonymousEmail     string
	replyKey           *[32]byte
	unsubscribeAddress string
	trackReads         bool

	// Limits
	userCacheCapacity  int
	maxConcurrentSends int
	shutdownTimeout    time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventTransport        transport.Transport
	redisClient           redis.UniversalClient
	onEventPublishFailure EventPublishFailureFunc
}

// EventPublishFailureFunc is called when an event fails to publish.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:             slog.Default(),
		clock:              func() time.Time { return time.Now().UTC() },
		location:           time.UTC,
		maxEditingTime:     DefaultMaxEditingTime,
		collectionWindow:   DefaultCollectionWindow,
		queueRetention:     DefaultQueueRetention,
		digestHour:         DefaultDigestHour,
		messageDomain:      DefaultMessageDomain,
		anonymousName:      DefaultAnonymousName,
		anonymousEmail:     DefaultAnonymousEmail,
		userCacheCapacity:  DefaultUserCacheCapacity,
		maxConcurrentSends: DefaultMaxConcurrentSends,
		shutdownTimeout:    DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures the pipeline service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithVisibilityOracle sets the visibility oracle (required).
func WithVisibilityOracle(v VisibilityOracle) Option {
	return func(o *options) {
		if v != nil {
			o.oracle = v
		}
	}
}

// WithSubscriptionStore sets the subscription store (required).
func WithSubscriptionStore(s SubscriptionStore) Option {
	return func(o *options) {
		if s != nil {
			o.subscriptions = s
		}
	}
}

// WithUserStore sets the user store (required).
func WithUserStore(u UserStore) Option {
	return func(o *options) {
		if u != nil {
			o.users = u
		}
	}
}

// WithRenderer sets the content renderer (required).
// The render package provides a plain-text builtin.
func WithRenderer(r ContentRenderer) Option {
	return func(o *options) {
		if r != nil {
			o.renderer = r
		}
	}
}

// WithTransport sets the mail transport (required).
func WithTransport(t MailTransport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Timing Options ---

// WithClock sets the time source. Intended for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLocation sets the site timezone used to compute the daily digest
// instant. Default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithMaxEditingTime sets the grace period during which a fresh post is
// not yet collected, so authors can still edit it.
func WithMaxEditingTime(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.maxEditingTime = d
		}
	}
}

// WithCollectionWindow sets how far back a run looks for pending posts.
func WithCollectionWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.collectionWindow = d
		}
	}
}

// WithQueueRetention sets the maximum age of undrained queue rows.
// Older rows are purged unconditionally each run. Default is 7 days.
func WithQueueRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.queueRetention = d
		}
	}
}

// WithDigestHour sets the hour of day (0-23, site timezone) at which
// the daily digest becomes due. Pass DigestHourDisabled to turn the
// digest drain off entirely.
func WithDigestHour(hour int) Option {
	return func(o *options) {
		if hour == DigestHourDisabled || (hour >= 0 && hour <= 23) {
			o.digestHour = hour
		}
	}
}

// WithTimeBudget sets the soft execution-time budget callback, called
// between recipients. When it returns an error the run finishes its
// current unit of work and stops cleanly with Interrupted set.
func WithTimeBudget(fn BudgetFunc) Option {
	return func(o *options) {
		o.budget = fn
	}
}

// --- Delivery Options ---

// WithSender sets the default sending identity for digests and
// anonymized posts.
func WithSender(id Identity) Option {
	return func(o *options) {
		o.sender = id
	}
}

// WithMessageDomain sets the domain used in generated Message-ID
// headers and reply addresses.
func WithMessageDomain(domain string) Option {
	return func(o *options) {
		if domain != "" {
			o.messageDomain = domain
		}
	}
}

// WithAnonymousIdentity sets the placeholder name and email substituted
// for authors on anonymous forums.
func WithAnonymousIdentity(name, email string) Option {
	return func(o *options) {
		if name != "" {
			o.anonymousName = name
		}
		if email != "" {
			o.anonymousEmail = email
		}
	}
}

// WithReplyKey enables reply-to tokens, signed and encrypted with the
// given key. Without a key no reply-to address is generated.
func WithReplyKey(key [32]byte) Option {
	return func(o *options) {
		k := key
		o.replyKey = &k
	}
}

// WithUnsubscribeAddress sets the mailto/https target for the
// List-Unsubscribe header. Empty disables the header.
func WithUnsubscribeAddress(addr string) Option {
	return func(o *options) {
		o.unsubscribeAddress = addr
	}
}

// WithReadTracking enables the courtesy read-marking of old posts for
// recipients who track read state. Default is disabled.
func WithReadTracking(enabled bool) Option {
	return func(o *options) {
		o.trackReads = enabled
	}
}

// --- Limit Options ---

// WithUserCacheCapacity bounds the number of full user records cached
// within one run. Beyond it only stubs are kept and full records are
// re-fetched on demand. Default is 5000.
func WithUserCacheCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.userCacheCapacity = n
		}
	}
}

// WithMaxConcurrentSends caps the immediate-send worker pool.
// Default is 10.
func WithMaxConcurrentSends(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentSends = n
		}
	}
}

// WithShutdownTimeout sets the maximum time Close() waits for in-flight
// sends. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for telemetry and event bus naming.
// Default is "forumnotify".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventTransport sets the event transport for publishing pipeline
// events. If not provided, a noop transport is used.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing
// failures. By default failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
