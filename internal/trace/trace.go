// Package trace wraps opentracing spans behind the small surface the
// connection-preparation code needs: start a child span, attach
// attributes, end with an optional error status. A nil *Span is valid
// and does nothing, so callers never branch on tracing being enabled.
package trace

import (
	"github.com/opentracing/opentracing-go"
)

// Span is a handle to an in-flight trace span.
type Span struct {
	span opentracing.Span
}

// StartSpan opens a span as a child of parent. A nil parent starts a new
// root span. Returns nil when no tracer is registered.
func StartSpan(parent *Span, operation string) *Span {
	tracer := opentracing.GlobalTracer()
	if _, ok := tracer.(opentracing.NoopTracer); ok {
		return nil
	}

	var opts []opentracing.StartSpanOption
	if parent != nil && parent.span != nil {
		opts = append(opts, opentracing.ChildOf(parent.span.Context()))
	}
	return &Span{span: tracer.StartSpan(operation, opts...)}
}

// SetAttr attaches a key/value attribute to the span.
func (s *Span) SetAttr(key string, value interface{}) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetTag(key, value)
}

// End finishes the span.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.Finish()
}

// EndWithError finishes the span marked as failed.
func (s *Span) EndWithError() {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetTag("error", true)
	s.span.Finish()
}
