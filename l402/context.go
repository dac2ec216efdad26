package l402

import (
	"context"
)

// ContextKey is the type that we use to identify toll specific values in the
// request context. We wrap the string inside a struct because of this comment
// in the context API: "The provided key must be comparable and should not be
// of type string or any other built-in type to avoid collisions between
// packages using context."
type ContextKey struct {
	Name string
}

var (
	// KeyTollPaid marks a request that presented a valid L402 credential.
	KeyTollPaid = ContextKey{"tollpaid"}

	// KeyTollFree marks a request that was quoted zero sats and waved
	// through without a challenge.
	KeyTollFree = ContextKey{"tollfree"}

	// KeyTollError carries an internal error that caused the gate to fail
	// open for this request.
	KeyTollError = ContextKey{"tollerror"}

	// KeyAgentID carries the agent identifier the gate extracted from the
	// request.
	KeyAgentID = ContextKey{"agentid"}

	// KeyContextID carries the pricing context the gate extracted from
	// the request.
	KeyContextID = ContextKey{"contextid"}
)

// FromContext tries to extract a value from the given context.
func FromContext(ctx context.Context, key ContextKey) interface{} {
	return ctx.Value(key)
}

// AddToContext adds the given value to the context for easy retrieval later
// on.
func AddToContext(ctx context.Context, key ContextKey,
	value interface{}) context.Context {

	return context.WithValue(ctx, key, value)
}
