package tracing

import (
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// FilterSampler drops spans for excluded URL fragments and, optionally, the
// per-chunk send/receive spans that would otherwise dominate trace volume
// during streaming. Everything else defers to the inner sampler.
type FilterSampler struct {
	inner           sdktrace.Sampler
	excluded        []string
	dropSendReceive bool
}

// NewFilterSampler wraps inner with name-based span filtering.
func NewFilterSampler(inner sdktrace.Sampler, excluded []string, dropSendReceive bool) FilterSampler {
	return FilterSampler{inner: inner, excluded: excluded, dropSendReceive: dropSendReceive}
}

// ShouldSample implements sdktrace.Sampler.
func (s FilterSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if s.drops(p.Name) {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.Drop,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.inner.ShouldSample(p)
}

func (s FilterSampler) drops(name string) bool {
	if s.dropSendReceive &&
		(strings.HasSuffix(name, " send") || strings.HasSuffix(name, " receive")) {
		return true
	}
	for _, fragment := range s.excluded {
		if strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}

// Description implements sdktrace.Sampler.
func (s FilterSampler) Description() string {
	return "FilterSampler(" + s.inner.Description() + ")"
}
