package events

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelSubscriber exports consumed events as OpenTelemetry spans, one
// span per event, named by kind. It bridges the session event stream
// into whatever tracing backend the embedding process has configured.
type OTelSubscriber struct {
	tracer trace.Tracer
}

// NewOTelSubscriber creates a subscriber over the given tracer.
func NewOTelSubscriber(tracer trace.Tracer) *OTelSubscriber {
	return &OTelSubscriber{tracer: tracer}
}

// Consume implements Consumer.
func (o *OTelSubscriber) Consume(e Event) {
	_, span := o.tracer.Start(context.Background(), "event."+string(e.Kind),
		trace.WithTimestamp(e.Timestamp))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("conversion.session_id", e.SessionID),
		attribute.Int64("conversion.seq", int64(e.Seq)),
	}
	switch {
	case e.StateChanged != nil:
		attrs = append(attrs,
			attribute.String("conversion.state.from", e.StateChanged.From),
			attribute.String("conversion.state.to", e.StateChanged.To))
	case e.Step != nil:
		attrs = append(attrs,
			attribute.String("conversion.step_id", e.Step.StepID),
			attribute.String("conversion.role", e.Step.Role))
	case e.Progress != nil:
		attrs = append(attrs,
			attribute.String("conversion.step_id", e.Progress.StepID),
			attribute.Float64("conversion.fraction", e.Progress.Fraction))
	case e.Failure != nil:
		attrs = append(attrs,
			attribute.String("conversion.error.kind", e.Failure.Kind),
			attribute.Bool("conversion.error.recoverable", e.Failure.Recoverable))
		span.SetStatus(codes.Error, e.Failure.Message)
		span.RecordError(errors.New(e.Failure.Message))
	case e.Summary != nil:
		attrs = append(attrs,
			attribute.String("conversion.final_state", e.Summary.FinalState))
	}
	span.SetAttributes(attrs...)
}

// Flush forces the registered provider to export pending spans when it
// supports doing so. The no-op provider does not.
func (o *OTelSubscriber) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
