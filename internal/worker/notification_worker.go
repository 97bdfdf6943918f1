package worker

import (
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/service"
)

// StartNotificationWorker subscribes the notification service to committed
// ledger events. Delivery runs on the publishing goroutine after commit.
func StartNotificationWorker(notificationService *service.NotificationService, logger *zap.Logger) {
	if notificationService == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	types := notificationService.RegisterHandlers()
	names := make([]string, 0, len(types))
	for _, typ := range types {
		names = append(names, string(typ))
	}
	logger.Named("notification_worker").Info("notification handlers registered", zap.Strings("event_types", names))
}
