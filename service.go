package forumnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/forumnotify/store"
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service is the forum notification pipeline. One Run processes the
// whole system's pending posts; schedule it from your application's
// cron or worker (one instance at a time; runs are not designed to
// overlap).
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
type Service interface {
	ServiceHealth

	// Connect establishes connections to storage backends.
	Connect(ctx context.Context) error
	// Close waits for in-flight sends and closes all connections.
	Close(ctx context.Context) error
	// Run executes one pipeline cycle: purge, collect, deliver, drain.
	// An interrupted run returns a result with Interrupted set and a nil
	// error; remaining work carries over to the next run.
	Run(ctx context.Context) (*RunResult, error)
	// Events returns per-service event instances for subscribing and
	// publishing. Each service has its own events bound to its own event
	// bus, enabling independent event routing and parallel testing.
	Events() *ServiceEvents
	// ReplyTokens returns the reply token codec, or nil when no reply
	// key is configured. Inbound mail handlers use it to decode the
	// tokenized reply-to addresses this service generates.
	ReplyTokens() *ReplyTokenCodec
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store    store.Store
	oracle   VisibilityOracle
	renderer ContentRenderer
	logger   *slog.Logger
	opts     *options
	mailer   *mailer
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	otel     *otelInstrumentation
	sendSem  *semaphore.Weighted // Limits concurrent sends to prevent resource exhaustion
	eventBus *event.Bus          // Event bus for publishing events
	events   *ServiceEvents      // Per-service event instances
}

// NewService creates a new notification pipeline service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	switch {
	case o.store == nil:
		return nil, ErrStoreRequired
	case o.oracle == nil:
		return nil, ErrOracleRequired
	case o.subscriptions == nil:
		return nil, ErrSubscriptionsRequired
	case o.users == nil:
		return nil, ErrUsersRequired
	case o.renderer == nil:
		return nil, ErrRendererRequired
	case o.transport == nil:
		return nil, ErrTransportRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:    o.store,
		oracle:   o.oracle,
		renderer: o.renderer,
		logger:   o.logger,
		opts:     o,
		mailer:   newMailer(o),
		otel:     otelInstr,
		sendSem:  semaphore.NewWeighted(int64(o.maxConcurrentSends)),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// ReplyTokens returns the reply token codec, or nil when disabled.
func (s *service) ReplyTokens() *ReplyTokenCodec {
	return s.mailer.tokens
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// checkConnected verifies the service is ready for operations.
func (s *service) checkConnected() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// Three-state transition prevents Run() from seeing partial
	// initialization: stateDisconnected -> stateConnecting -> stateConnected.
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("forum notification service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "forumnotify"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	return nil
}

// Close closes connections to storage backends.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight send operations to complete (graceful shutdown).
	// After the state flip no new runs can start; acquiring every
	// semaphore slot waits out the sends already dispatched.
	s.logger.Info("waiting for in-flight sends to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.sendSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentSends)); err != nil {
		s.logger.Warn("timeout waiting for in-flight sends, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.sendSem.Release(int64(s.opts.maxConcurrentSends))
	}

	// Close event bus only if using a real transport. The noop bus holds
	// no resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}
