package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/service"
)

// BatchRunner runs one automation batch.
type BatchRunner interface {
	Run(ctx context.Context, req service.BatchRequest) (service.BatchSummary, error)
}

// StartAutomationWorker runs the batch every interval until ctx is cancelled.
// A zero interval disables it; runs are then triggered over HTTP only.
func StartAutomationWorker(ctx context.Context, runner BatchRunner, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if runner == nil || interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logger.Info("automation worker started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				logger.Info("automation worker stopped")
				return
			case <-ticker.C:
				summary, err := runner.Run(ctx, service.BatchRequest{})
				if err != nil {
					logger.Error("scheduled automation run failed",
						zap.Strings("components", summary.FailedComponents),
						zap.Error(err))
				}
			}
		}
	}()
	return done
}
