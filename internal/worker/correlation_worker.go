package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/inbox"
	"github.com/spec-kit/ticket-automation/internal/service"
)

// StartCorrelationWorker consumes the Redis inbox until ctx is cancelled. The
// returned channel is closed when the consumer has stopped.
func StartCorrelationWorker(ctx context.Context, queue *inbox.RedisQueue, correlator *service.EmailCorrelator, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if queue == nil || correlator == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		logger.Info("correlation worker started")
		err := queue.Consume(ctx, correlator.Handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("correlation worker stopped", zap.Error(err))
			return
		}
		logger.Info("correlation worker stopped")
	}()
	return done
}
