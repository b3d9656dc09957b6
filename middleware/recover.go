package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ErikWegner/jqm/instance"
)

// Recover returns middleware that recovers from panics in the payload
// entry point. Panics are converted to errors and logged with a stack
// trace, so a misbehaving payload cannot take down the Runner goroutine.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inst *instance.Instance, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("instance handler panicked",
					slog.String("instance_id", inst.ID.String()),
					slog.String("job_definition_id", inst.JobDefinitionID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in instance %s: %v", inst.ID, r)
			}
		}()
		return next(ctx)
	}
}
