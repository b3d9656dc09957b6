// Package middleware provides composable middleware for instance
// execution.
//
// A [Middleware] is a function that wraps an instance handler.
// Middleware are composed into a chain using [Chain] and applied before
// each instance runs. They are applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs instance start and completion
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the context once JobDefinition.Timeout elapses
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-instance duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, inst *instance.Instance, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware

import (
	"context"

	"github.com/ErikWegner/jqm/instance"
)

// Handler is the terminal function that invokes the payload's entry point.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the instance being executed, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, inst *instance.Instance, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inst *instance.Instance, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inst, prev)
			}
		}
		return h(ctx)
	}
}
