package forumnotify

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/forumnotify"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the
// notification pipeline.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Run-level
	runLatency metric.Float64Histogram
	runCount   metric.Int64Counter
	runErrors  metric.Int64Counter

	// Collection
	collectLatency metric.Float64Histogram
	collectedPosts metric.Int64Counter

	// Immediate delivery
	sendLatency metric.Float64Histogram
	sendCount   metric.Int64Counter
	sendErrors  metric.Int64Counter

	// Digest queue
	enqueueCount  metric.Int64Counter
	purgedRows    metric.Int64Counter
	digestLatency metric.Float64Histogram
	digestCount   metric.Int64Counter
	digestErrors  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	o.runLatency, err = meter.Float64Histogram(
		"forumnotify.run.duration",
		metric.WithDescription("Duration of pipeline runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.runCount, err = meter.Int64Counter(
		"forumnotify.run.count",
		metric.WithDescription("Number of pipeline runs"),
	)
	if err != nil {
		return err
	}

	o.runErrors, err = meter.Int64Counter(
		"forumnotify.run.errors",
		metric.WithDescription("Number of failed pipeline runs"),
	)
	if err != nil {
		return err
	}

	o.collectLatency, err = meter.Float64Histogram(
		"forumnotify.collect.duration",
		metric.WithDescription("Duration of the collection phase"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.collectedPosts, err = meter.Int64Counter(
		"forumnotify.collect.posts",
		metric.WithDescription("Number of posts collected for delivery"),
	)
	if err != nil {
		return err
	}

	o.sendLatency, err = meter.Float64Histogram(
		"forumnotify.send.duration",
		metric.WithDescription("Duration of immediate send operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.sendCount, err = meter.Int64Counter(
		"forumnotify.send.count",
		metric.WithDescription("Number of immediate notifications sent"),
	)
	if err != nil {
		return err
	}

	o.sendErrors, err = meter.Int64Counter(
		"forumnotify.send.errors",
		metric.WithDescription("Number of immediate send errors"),
	)
	if err != nil {
		return err
	}

	o.enqueueCount, err = meter.Int64Counter(
		"forumnotify.queue.enqueued",
		metric.WithDescription("Number of digest queue rows written"),
	)
	if err != nil {
		return err
	}

	o.purgedRows, err = meter.Int64Counter(
		"forumnotify.queue.purged",
		metric.WithDescription("Number of stale queue rows purged"),
	)
	if err != nil {
		return err
	}

	o.digestLatency, err = meter.Float64Histogram(
		"forumnotify.digest.duration",
		metric.WithDescription("Duration of the digest drain phase"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.digestCount, err = meter.Int64Counter(
		"forumnotify.digest.count",
		metric.WithDescription("Number of digest emails sent"),
	)
	if err != nil {
		return err
	}

	o.digestErrors, err = meter.Int64Counter(
		"forumnotify.digest.errors",
		metric.WithDescription("Number of digest delivery errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller must invoke the returned func with the operation's error.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordRun records run-level metrics.
func (o *otelInstrumentation) recordRun(ctx context.Context, duration time.Duration, result *RunResult, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("interrupted", result != nil && result.Interrupted),
	)

	o.runLatency.Record(ctx, duration.Seconds(), attrs)
	o.runCount.Add(ctx, 1, attrs)
	if err != nil {
		o.runErrors.Add(ctx, 1, attrs)
	}
}

// recordCollect records collection phase metrics.
func (o *otelInstrumentation) recordCollect(ctx context.Context, duration time.Duration, posts int) {
	if !o.metricsEnabled {
		return
	}

	o.collectLatency.Record(ctx, duration.Seconds())
	o.collectedPosts.Add(ctx, int64(posts))
}

// recordSend records one immediate delivery attempt.
func (o *otelInstrumentation) recordSend(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.sendLatency.Record(ctx, duration.Seconds())
	o.sendCount.Add(ctx, 1)
	if err != nil {
		o.sendErrors.Add(ctx, 1)
	}
}

// recordEnqueue records digest queue writes.
func (o *otelInstrumentation) recordEnqueue(ctx context.Context, count int64) {
	if !o.metricsEnabled {
		return
	}
	o.enqueueCount.Add(ctx, count)
}

// recordPurge records the retention purge.
func (o *otelInstrumentation) recordPurge(ctx context.Context, purged int64) {
	if !o.metricsEnabled {
		return
	}
	o.purgedRows.Add(ctx, purged)
}

// recordDigestDrain records digest drain metrics.
func (o *otelInstrumentation) recordDigestDrain(ctx context.Context, duration time.Duration, sent, failed int64) {
	if !o.metricsEnabled {
		return
	}

	o.digestLatency.Record(ctx, duration.Seconds())
	o.digestCount.Add(ctx, sent)
	if failed > 0 {
		o.digestErrors.Add(ctx, failed)
	}
}
