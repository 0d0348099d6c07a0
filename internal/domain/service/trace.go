package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// traceIDKey is the private context key for trace IDs.
type traceIDKey struct{}

// WithTraceID injects a trace ID into the context.
// If traceID is empty, a random one is generated.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = generateTraceID()
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext extracts the trace ID from the context.
// Returns empty string if no trace ID is set.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// generateTraceID creates a random 16-character hex trace ID.
func generateTraceID() string {
	b := make([]byte, 8) // 8 bytes = 16 hex chars
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// depthKey is the private context key for recursion depth.
type depthKey struct{}

// regionKey is the private context key for the active code-block region.
type regionKey struct{}

// WithDepth records the current recursion depth of a completion call. The
// outermost call has depth 0; a child call made via llm_query from inside
// a code block carries depth+1.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFromContext returns the recursion depth carried by ctx, or 0 if none
// was set.
func DepthFromContext(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// WithRegion tags ctx with the code-block region a call is attributed to.
func WithRegion(ctx context.Context, region string) context.Context {
	return context.WithValue(ctx, regionKey{}, region)
}

// RegionFromContext returns the region carried by ctx, or "" if none was set.
func RegionFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(regionKey{}).(string); ok {
		return r
	}
	return ""
}
