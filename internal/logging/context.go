package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ownerCtxKey struct{}
type collectionCtxKey struct{}
type requestCtxKey struct{}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if owner := OwnerIDFromContext(ctx); owner != "" {
		fields = append(fields, zap.String("owner.id", owner))
	}
	if coll := CollectionIDFromContext(ctx); coll != "" {
		fields = append(fields, zap.String("collection.id", coll))
	}
	if req := RequestIDFromContext(ctx); req != "" {
		fields = append(fields, zap.String("request.id", req))
	}
	return fields
}

// WithOwnerID records the authenticated owner for log correlation.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, ownerID)
}

// OwnerIDFromContext returns the owner stored by WithOwnerID.
func OwnerIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ownerCtxKey{}).(string)
	return s
}

// WithCollectionID records the collection being operated on.
func WithCollectionID(ctx context.Context, collectionID string) context.Context {
	return context.WithValue(ctx, collectionCtxKey{}, collectionID)
}

// CollectionIDFromContext returns the collection stored by WithCollectionID.
func CollectionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(collectionCtxKey{}).(string)
	return s
}

// WithRequestID records the inbound request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}
