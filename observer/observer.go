// Package observer provides OTEL-based observability for lagoon sessions.
//
// It wraps Backend with an instrumented version that emits traces, metrics,
// and logs via OpenTelemetry, and supplies a lagoon.Tracer backed by the
// global TracerProvider. Users export to any OTEL-compatible backend by
// setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	lagoonlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/lagoon/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger lagoonlog.Logger

	// Counters
	Turns        metric.Int64Counter
	Events       metric.Int64Counter
	StaleDrops   metric.Int64Counter
	PollTicks    metric.Int64Counter
	StreamAborts metric.Int64Counter

	// Histograms
	FirstTokenLatency metric.Float64Histogram
	TurnDuration      metric.Float64Histogram
	FetchDuration     metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("lagoon")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	turns, err := meter.Int64Counter("session.turns",
		metric.WithDescription("Turns sent"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter("session.events",
		metric.WithDescription("Stream events dispatched"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	staleDrops, err := meter.Int64Counter("session.stale_drops",
		metric.WithDescription("Writes rejected for carrying a stale generation"),
		metric.WithUnit("{write}"))
	if err != nil {
		return nil, err
	}

	pollTicks, err := meter.Int64Counter("poller.ticks",
		metric.WithDescription("Fallback poll fetches"),
		metric.WithUnit("{tick}"))
	if err != nil {
		return nil, err
	}

	streamAborts, err := meter.Int64Counter("stream.aborts",
		metric.WithDescription("Streams aborted by the user or a session switch"),
		metric.WithUnit("{abort}"))
	if err != nil {
		return nil, err
	}

	firstToken, err := meter.Float64Histogram("turn.first_token_latency",
		metric.WithDescription("Time from send to first streamed text"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("turn.duration",
		metric.WithDescription("Turn duration from send to completion"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	fetchDuration, err := meter.Float64Histogram("backend.fetch_duration",
		metric.WithDescription("Transcript fetch duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		Turns:             turns,
		Events:            events,
		StaleDrops:        staleDrops,
		PollTicks:         pollTicks,
		StreamAborts:      streamAborts,
		FirstTokenLatency: firstToken,
		TurnDuration:      turnDuration,
		FetchDuration:     fetchDuration,
	}, nil
}
