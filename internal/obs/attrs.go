package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HA2HA-specific span and metric attribute keys.
var (
	AttrTaskID         = attribute.Key("ha2ha.task.id")
	AttrTaskState      = attribute.Key("ha2ha.task.state")
	AttrSourcePeer     = attribute.Key("ha2ha.peer.source")
	AttrTargetPeer     = attribute.Key("ha2ha.peer.target")
	AttrTrustLevel     = attribute.Key("ha2ha.trust.level")
	AttrApproverID     = attribute.Key("ha2ha.approver.id")
	AttrRefusalReason  = attribute.Key("ha2ha.refusal.reason")
	AttrWorkflowDepth  = attribute.Key("ha2ha.workflow.depth")
	AttrExtensionURI   = attribute.Key("ha2ha.extension.uri")
)

// DispatchAttrs builds the common attribute set for a task dispatch span.
func DispatchAttrs(taskID, source, target string, workflowDepth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.String(taskID),
		AttrSourcePeer.String(source),
		AttrTargetPeer.String(target),
		AttrWorkflowDepth.Int(workflowDepth),
	}
}

// TrustAttrs builds the attribute set for a trust-transition span.
func TrustAttrs(peer string, level int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSourcePeer.String(peer),
		AttrTrustLevel.Int(level),
	}
}

// SpanFromContext extracts the active span from ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent records a named event on the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
