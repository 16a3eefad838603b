// Package otelbridge maps run/trace identifiers onto OpenTelemetry's
// trace/span id shapes so a run can also appear as a span in an existing
// OTEL pipeline (spec §1 "OpenTelemetry export bridging... reuses ids
// produced by §2"). The mapping is a deterministic hash, not a naive
// byte-slice truncation: a run id is 128 bits like an OTEL trace id, but
// is not itself one (different version/variant bit layout), so truncating
// would make two different run ids collide more often than a proper hash
// does across the 64/128-bit size change.
package otelbridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// RunIDToOTELTraceID derives a trace.TraceID from a run's trace_id
// string. Deterministic: the same input always maps to the same output,
// so repeated calls for the same run agree without needing a lookup
// table.
func RunIDToOTELTraceID(traceID string) trace.TraceID {
	sum := sha256.Sum256([]byte("langsmith-trace:" + traceID))
	var out trace.TraceID
	copy(out[:], sum[:16])
	return out
}

// RunIDToOTELSpanID derives a trace.SpanID from a run id string.
func RunIDToOTELSpanID(runID string) trace.SpanID {
	sum := sha256.Sum256([]byte("langsmith-run:" + runID))
	var out trace.SpanID
	copy(out[:], sum[:8])
	return out
}

// SpanContext is the (trace id, span id) pair a caller attaches to an
// OTEL span to mirror a run, along with the hex forms for logging.
type SpanContext struct {
	TraceID    trace.TraceID
	SpanID     trace.SpanID
	TraceIDHex string
	SpanIDHex  string
}

// RunIDToOTEL builds the full SpanContext for a (runID, traceID) pair.
func RunIDToOTEL(runID, traceID string) SpanContext {
	tid := RunIDToOTELTraceID(traceID)
	sid := RunIDToOTELSpanID(runID)
	return SpanContext{
		TraceID:    tid,
		SpanID:     sid,
		TraceIDHex: hex.EncodeToString(tid[:]),
		SpanIDHex:  hex.EncodeToString(sid[:]),
	}
}

// StartLinkedSpan starts a real span on the process's registered
// TracerProvider (via the global otel package, so a host application that
// has wired its own provider gets a span without this package needing a
// reference to it), linked to sc rather than parented by it: a run and its
// mirrored span are two independent traces describing the same work, not
// one containing the other.
func StartLinkedSpan(ctx context.Context, tracerName, spanName string, sc SpanContext) (context.Context, trace.Span) {
	link := trace.Link{SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    sc.TraceID,
		SpanID:     sc.SpanID,
		TraceFlags: trace.FlagsSampled,
	})}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithLinks(link))
}
