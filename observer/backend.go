package observer

import (
	"context"
	"io"
	"time"

	lagoon "github.com/nevindra/lagoon"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	lagoonlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBackend wraps any Backend to emit OTEL spans, metrics, and logs
// for every backend interaction. Stream spans cover only the request that
// opens the stream; frame consumption happens in the session driver.
type ObservedBackend struct {
	inner lagoon.Backend
	inst  *Instruments
}

// WrapBackend returns an instrumented Backend.
func WrapBackend(inner lagoon.Backend, inst *Instruments) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst}
}

func (o *ObservedBackend) StreamTurn(ctx context.Context, sessionID string, req lagoon.TurnRequest) (io.ReadCloser, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "backend.stream_turn", trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrBackendMethod.String("stream_turn"),
		AttrVoice.Bool(req.RequestType == lagoon.RequestVoice),
	))
	defer span.End()

	body, err := o.inner.StreamTurn(ctx, sessionID, req)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.Turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))

	var rec lagoonlog.Record
	rec.SetSeverity(lagoonlog.SeverityInfo)
	rec.SetBody(lagoonlog.StringValue("turn stream opened"))
	rec.AddAttributes(
		lagoonlog.String("session.id", sessionID),
		lagoonlog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return body, err
}

func (o *ObservedBackend) FetchTranscript(ctx context.Context, sessionID string) ([]lagoon.TranscriptEntry, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "backend.fetch_transcript", trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrBackendMethod.String("fetch_transcript"),
	))
	defer span.End()
	start := time.Now()

	entries, err := o.inner.FetchTranscript(ctx, sessionID)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(AttrEntryCount.Int(len(entries)))
	}

	o.inst.PollTicks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.FetchDuration.Record(ctx, durationMs)

	return entries, err
}

func (o *ObservedBackend) SendStop(ctx context.Context, sessionID string) error {
	ctx, span := o.inst.Tracer.Start(ctx, "backend.send_stop", trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrBackendMethod.String("send_stop"),
	))
	defer span.End()

	err := o.inner.SendStop(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.inst.StreamAborts.Add(ctx, 1)
	return err
}

// compile-time check
var _ lagoon.Backend = (*ObservedBackend)(nil)
