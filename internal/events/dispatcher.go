package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EventHandler handles a committed ledger entry.
type EventHandler func(context.Context, Entry) error

// Dispatcher fans committed ledger entries out to in-process subscribers.
type Dispatcher interface {
	Publish(ctx context.Context, entry Entry)
	Subscribe(eventType EventType, handler EventHandler)
}

// inMemoryDispatcher is a simple synchronous dispatcher.
type inMemoryDispatcher struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventHandler
	logger    *zap.Logger
}

// NewInMemoryDispatcher creates a dispatcher instance.
func NewInMemoryDispatcher(logger *zap.Logger) Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &inMemoryDispatcher{
		listeners: make(map[EventType][]EventHandler),
		logger:    logger,
	}
}

// Publish synchronously invokes handlers for the entry type. Handler errors
// are logged and never reach the publisher.
func (d *inMemoryDispatcher) Publish(ctx context.Context, entry Entry) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.listeners[entry.Type]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, entry); err != nil {
			d.logger.Warn("event handler failed",
				zap.String("event_type", string(entry.Type)),
				zap.String("subject_id", entry.SubjectID),
				zap.Error(err))
		}
	}
}

// Subscribe registers a handler for the given event type.
func (d *inMemoryDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[eventType] = append(d.listeners[eventType], handler)
}
