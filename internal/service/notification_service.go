package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/mail"
	"github.com/spec-kit/ticket-automation/internal/observability"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

const emailKindEscalation = "escalation"

// NotificationService delivers escalation step notifications and logs the
// other committed ledger events.
type NotificationService struct {
	dispatcher events.Dispatcher
	store      repository.Store
	sender     mail.Sender
	composer   *mail.Composer
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewNotificationService creates the service. A nil sender leaves step
// notifications recorded but undelivered.
func NewNotificationService(dispatcher events.Dispatcher, store repository.Store, sender mail.Sender, composer *mail.Composer, metrics *observability.Metrics, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		store:      store,
		sender:     sender,
		composer:   composer,
		metrics:    metrics,
		logger:     logger.Named("notifications"),
	}
}

// RegisterHandlers subscribes to events and returns the subscribed types.
func (n *NotificationService) RegisterHandlers() []events.EventType {
	if n.dispatcher == nil {
		return nil
	}
	n.dispatcher.Subscribe(events.EventStepExecuted, n.handleStepExecuted)
	audited := []events.EventType{
		events.EventFirstResponseBreached,
		events.EventResolutionBreached,
		events.EventEscalationCompleted,
		events.EventTicketStatusChanged,
	}
	for _, typ := range audited {
		n.dispatcher.Subscribe(typ, n.logEvent)
	}
	return append([]events.EventType{events.EventStepExecuted}, audited...)
}

func (n *NotificationService) logEvent(_ context.Context, entry events.Entry) error {
	n.logger.Info(string(entry.Type),
		zap.String("subject_type", string(entry.SubjectType)),
		zap.String("subject_id", entry.SubjectID),
		zap.ByteString("payload", entry.Payload))
	return nil
}

func (n *NotificationService) handleStepExecuted(ctx context.Context, entry events.Entry) error {
	decoded, err := entry.Decode()
	if err != nil {
		return err
	}
	step, ok := decoded.(*events.StepExecutedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", decoded)
	}
	if step.Channel != "" && step.Channel != "email" {
		n.logger.Debug("step channel not delivered by email",
			zap.String("workflow_id", entry.SubjectID),
			zap.String("channel", step.Channel))
		return nil
	}
	if n.sender == nil || n.composer == nil {
		n.metrics.RecordEmail(emailKindEscalation, string(mail.StatusSkipped))
		return nil
	}

	ticket, err := n.store.Tickets().GetByID(ctx, step.TicketID)
	if err != nil {
		return fmt.Errorf("load ticket %s: %w", step.TicketID, err)
	}
	to, err := n.targetAddresses(ctx, step.NotifyTargetType, step.NotifyTargetID)
	if err != nil {
		return err
	}

	msg, err := n.composer.EscalationNotice(*ticket, step.StepOrder, to)
	if err != nil {
		return fmt.Errorf("compose escalation email: %w", err)
	}
	res := mail.Deliver(ctx, n.sender, msg, n.logger)
	n.metrics.RecordEmail(emailKindEscalation, string(res.Status))
	n.logger.Info("escalation notification",
		zap.String("workflow_id", entry.SubjectID),
		zap.String("ticket_id", step.TicketID),
		zap.Int("step", step.StepOrder),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason))
	return nil
}

// targetAddresses resolves a step target to email addresses. Unknown
// targets resolve to none.
func (n *NotificationService) targetAddresses(ctx context.Context, targetType domain.NotifyTargetType, targetID string) ([]string, error) {
	switch targetType {
	case domain.NotifyTargetUser:
		profile, err := n.store.Profiles().GetByID(ctx, targetID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load profile %s: %w", targetID, err)
		}
		if !profile.IsActive {
			return nil, nil
		}
		if addr, ok := domain.FirstAddress(profile.Email); ok {
			return []string{addr}, nil
		}
		return nil, nil
	case domain.NotifyTargetGroup:
		emails, err := n.store.Groups().ListMemberEmails(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("list group %s members: %w", targetID, err)
		}
		return emails, nil
	default:
		return nil, nil
	}
}
