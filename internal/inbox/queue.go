// Package inbox hands acknowledged webhook notifications to the correlator,
// either in-process or through a Redis list consumed by a worker.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// Handler processes one notification. It must not panic on bad input.
type Handler func(ctx context.Context, n domain.MailNotification)

// Queue accepts notifications after the webhook has acknowledged them.
type Queue interface {
	Enqueue(ctx context.Context, batch []domain.MailNotification) error
}

// LocalQueue processes each batch on its own goroutine with a context that is
// detached from the HTTP request and bounded by timeout.
type LocalQueue struct {
	handler Handler
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewLocalQueue returns an in-process queue.
func NewLocalQueue(handler Handler, timeout time.Duration, logger *zap.Logger) *LocalQueue {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LocalQueue{handler: handler, timeout: timeout, logger: logger.Named("inbox")}
}

func (q *LocalQueue) Enqueue(_ context.Context, batch []domain.MailNotification) error {
	if len(batch) == 0 {
		return nil
	}
	items := append([]domain.MailNotification(nil), batch...)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		defer cancel()
		for _, n := range items {
			q.handle(ctx, n)
		}
	}()
	return nil
}

func (q *LocalQueue) handle(ctx context.Context, n domain.MailNotification) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("notification handler panicked",
				zap.String("message_id", n.MessageID), zap.Any("panic", r))
		}
	}()
	q.handler(ctx, n)
}

// Wait blocks until every enqueued batch has been processed.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

type wireNotification struct {
	SubscriptionID string `json:"subscription_id"`
	ClientState    string `json:"client_state"`
	ChangeType     string `json:"change_type"`
	Resource       string `json:"resource"`
	MessageID      string `json:"message_id"`
}

func encode(n domain.MailNotification) ([]byte, error) {
	return json.Marshal(wireNotification(n))
}

func decode(raw string) (domain.MailNotification, error) {
	var w wireNotification
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return domain.MailNotification{}, err
	}
	return domain.MailNotification(w), nil
}

// RedisQueue stores notifications in a Redis list so a worker process can
// pick them up after a restart.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisQueue returns a queue on the list at key.
func NewRedisQueue(client *redis.Client, key string, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{client: client, key: key, logger: logger.Named("inbox")}
}

func (q *RedisQueue) Enqueue(ctx context.Context, batch []domain.MailNotification) error {
	if len(batch) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(batch))
	for _, n := range batch {
		raw, err := encode(n)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		values = append(values, raw)
	}
	if err := q.client.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("push notifications: %w", err)
	}
	return nil
}

// Consume pops notifications until ctx is cancelled. Undecodable entries are
// logged and dropped.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("inbox pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPOP returns [key, value].
		n, err := decode(res[1])
		if err != nil {
			q.logger.Warn("dropping malformed inbox entry", zap.Error(err))
			continue
		}
		handler(ctx, n)
	}
}
