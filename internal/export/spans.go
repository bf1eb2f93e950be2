// Package export turns the collector's call/return stream into OpenTelemetry
// spans. Each call opens a span; its return ends it. Parent linkage follows
// the agent-assigned parent_id, so the exported trace mirrors the worker's
// call stack.
package export

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LayerDynamics/pytui-sub000/internal/event"
	"github.com/LayerDynamics/pytui-sub000/internal/filter"
)

// spanInfo holds an open call span and its context for child linkage.
type spanInfo struct {
	span    trace.Span
	spanCtx trace.SpanContext
}

// SpanExporter consumes delivery-queue envelopes and maintains one span per
// open call. It is driven from a single consumer goroutine and is not safe
// for concurrent use.
type SpanExporter struct {
	tracer trace.Tracer
	eval   *filter.Evaluator
	spans  map[uint64]*spanInfo // call_id -> open span
	order  []uint64             // call_ids in start order, for innermost lookup
}

// New creates an exporter. The evaluator may be nil; it contributes custom
// attributes to call spans.
func New(tracer trace.Tracer, eval *filter.Evaluator) *SpanExporter {
	return &SpanExporter{
		tracer: tracer,
		eval:   eval,
		spans:  make(map[uint64]*spanInfo),
	}
}

// Handle processes one delivery-queue envelope. Output events are not
// span-relevant and are ignored.
func (e *SpanExporter) Handle(kind event.Kind, ev any) {
	switch kind {
	case event.KindCall:
		if call, ok := ev.(event.CallEvent); ok {
			e.handleCall(&call)
		}
	case event.KindReturn:
		if ret, ok := ev.(event.ReturnEvent); ok {
			e.handleReturn(&ret)
		}
	case event.KindException:
		if exc, ok := ev.(event.ExceptionEvent); ok {
			e.handleException(&exc)
		}
	}
}

func (e *SpanExporter) handleCall(call *event.CallEvent) {
	ctx := context.Background()
	if call.ParentID != nil {
		if parent, ok := e.spans[*call.ParentID]; ok {
			ctx = trace.ContextWithSpanContext(ctx, parent.spanCtx)
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("function.name", call.FunctionName),
		attribute.String("code.filepath", call.Filename),
		attribute.Int64("code.lineno", int64(call.LineNo)),
	}
	for name, value := range call.Args {
		attrs = append(attrs, attribute.String("call.arg."+name, value))
	}
	if custom := e.eval.Evaluate(call); len(custom) > 0 {
		attrs = append(attrs, custom...)
	}

	_, span := e.tracer.Start(ctx, call.FunctionName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(event.TimeOf(call.Timestamp)),
		trace.WithAttributes(attrs...),
	)

	e.spans[call.CallID] = &spanInfo{span: span, spanCtx: span.SpanContext()}
	e.order = append(e.order, call.CallID)
}

func (e *SpanExporter) handleReturn(ret *event.ReturnEvent) {
	info, ok := e.spans[ret.CallID]
	if !ok {
		return // collector drops unmatched returns before they reach here
	}
	info.span.SetAttributes(attribute.String("call.return_value", ret.ReturnValue))
	info.span.End(trace.WithTimestamp(event.TimeOf(ret.Timestamp)))
	delete(e.spans, ret.CallID)
}

// handleException marks the innermost open call span as failed and records
// the exception on it. With no open span the exception has nowhere to attach
// and is dropped; the collector still holds the record.
func (e *SpanExporter) handleException(exc *event.ExceptionEvent) {
	info := e.innermostOpen()
	if info == nil {
		return
	}
	info.span.AddEvent("exception",
		trace.WithTimestamp(event.TimeOf(exc.Timestamp)),
		trace.WithAttributes(
			attribute.String("exception.type", exc.ExceptionType),
			attribute.String("exception.message", exc.Message),
			attribute.StringSlice("exception.traceback", exc.Traceback),
		),
	)
	info.span.SetStatus(codes.Error, exc.Message)
}

func (e *SpanExporter) innermostOpen() *spanInfo {
	for i := len(e.order) - 1; i >= 0; i-- {
		if info, ok := e.spans[e.order[i]]; ok {
			return info
		}
	}
	return nil
}

// OpenSpans reports how many call spans have not yet returned.
func (e *SpanExporter) OpenSpans() int { return len(e.spans) }

// Close ends spans whose calls never returned. A call without a matching
// return by process exit is left open by the pipeline; the span still has to
// be ended so it gets exported.
func (e *SpanExporter) Close() {
	for _, id := range e.order {
		if info, ok := e.spans[id]; ok {
			info.span.End()
			delete(e.spans, id)
		}
	}
	e.order = nil
}
