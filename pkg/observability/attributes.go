package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-evidence/pkg/resiliency"
)

// Evidence semantic convention attributes.
var (
	AttrCaseID       = attribute.Key("evidence.case.id")
	AttrCombinedHash = attribute.Key("evidence.combined_hash")
	AttrMerkleRoot   = attribute.Key("evidence.merkle_root")
	AttrFileCount    = attribute.Key("evidence.file_count")

	AttrService     = resiliency.ServiceAttribute
	AttrBreakerFrom = attribute.Key("evidence.breaker.from")
	AttrBreakerTo   = attribute.Key("evidence.breaker.to")
	AttrErrorKind   = attribute.Key("error.kind")
)

// SealOperation creates attributes for sealing a package.
func SealOperation(caseID, combinedHash, merkleRoot string, files int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrCombinedHash.String(combinedHash),
		AttrMerkleRoot.String(merkleRoot),
		AttrFileCount.Int(files),
	}
}

// BreakerTransition creates attributes for a breaker state change.
func BreakerTransition(service string, from, to resiliency.State) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrService.String(service),
		AttrBreakerFrom.String(from.String()),
		AttrBreakerTo.String(to.String()),
	}
}

// ErrorKind buckets err for metrics: circuit_open, retries_exhausted,
// canceled, timeout or error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resiliency.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resiliency.ErrMaxRetriesExceeded):
		return "retries_exhausted"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
