package middleware

import (
	"context"
	"log/slog"

	"github.com/ErikWegner/jqm/instance"
)

// Timeout returns middleware that enforces JobDefinition.Timeout as a
// per-instance execution deadline. If the instance's Timeout is
// non-zero, a context.WithTimeout wraps the handler call; when the
// deadline is exceeded the Runner observes ctx.Err() at the next
// yield() and drives the transition to KILLED with reason "timeout".
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inst *instance.Instance, next Handler) error {
		if inst.Timeout > 0 {
			logger.Debug("instance timeout set",
				slog.String("instance_id", inst.ID.String()),
				slog.Duration("timeout", inst.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, inst.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
