package jqm

import "context"

// Context is the ambient execution context threaded through the engine.
// It is a plain alias for context.Context; cooperative cancellation is
// carried separately, through the pending-kill marker observed at
// yield() (see package runtime), not through context cancellation, since
// a payload that never yields must keep running per §5.
type Context = context.Context
