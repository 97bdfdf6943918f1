package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/mail"
	"github.com/spec-kit/ticket-automation/internal/observability"
	"github.com/spec-kit/ticket-automation/internal/repository/memory"
)

var (
	testNow      = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	errStoreDown = errors.New("store unavailable")
)

func fixedClock() time.Time { return testNow }

func newTestDeps(store *memory.Store) Dependencies {
	return Dependencies{
		Store:      store,
		Dispatcher: events.NewInMemoryDispatcher(zap.NewNop()),
		Metrics:    observability.NewMetrics(),
		Logger:     zap.NewNop(),
		Now:        fixedClock,
	}
}

func ptr[T any](v T) *T { return &v }

func ago(d time.Duration) *time.Time { return ptr(testNow.Add(-d)) }

type recordingSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg mail.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return "<msg-" + msg.To[0] + ">", nil
}

func (s *recordingSender) Messages() []mail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mail.Message(nil), s.sent...)
}

type stubFetcher struct {
	messages map[string]*domain.InboundMessage
	err      error
	calls    int
}

func (f *stubFetcher) FetchMessage(_ context.Context, id string) (*domain.InboundMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, errors.New("unknown message " + id)
	}
	copied := *msg
	return &copied, nil
}

// stubLocker is a single-goroutine lock table. onBusy runs each time Acquire
// finds the key held, standing in for whatever the other holder does
// meanwhile.
type stubLocker struct {
	held     map[string]bool
	released []string
	busy     int
	onBusy   func(key string)
}

func (l *stubLocker) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		l.busy++
		if l.onBusy != nil {
			l.onBusy(key)
		}
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *stubLocker) Release(_ context.Context, key string) error {
	delete(l.held, key)
	l.released = append(l.released, key)
	return nil
}
