package mail

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/config"
)

// BreakerSender stops calling a failing provider for a while so a batch run
// does not spend its time on timeouts. Open-circuit rejections surface as
// ordinary send errors.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSender wraps next. A nil next stays nil so Deliver can skip.
func NewBreakerSender(next Sender, logger *zap.Logger) Sender {
	if next == nil {
		return nil
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mail-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("mail circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerSender{next: next, cb: cb}
}

func (b *BreakerSender) Send(ctx context.Context, msg Message) (string, error) {
	id, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, msg)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// NewSender builds the configured provider chain, or nil when outbound mail
// is not configured.
func NewSender(cfg config.MailConfig, logger *zap.Logger) Sender {
	smtpSender := NewSMTPSender(cfg)
	if smtpSender == nil {
		return nil
	}
	return NewBreakerSender(smtpSender, logger)
}
