package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/ErikWegner/jqm/instance"
)

// Logging returns middleware that logs instance start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inst *instance.Instance, next Handler) error {
		logger.Info("instance started",
			slog.String("instance_id", inst.ID.String()),
			slog.String("job_definition_id", inst.JobDefinitionID.String()),
			slog.String("queue_id", inst.QueueID.String()),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("instance failed",
				slog.String("instance_id", inst.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("instance completed",
				slog.String("instance_id", inst.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
