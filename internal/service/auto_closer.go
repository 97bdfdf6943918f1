package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/config"
	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/mail"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

const (
	componentAutoCloseResolved = "auto_close_resolved"
	componentAutoClosePending  = "auto_close_pending"

	ReasonAutoClose           = "auto_close"
	ReasonAutoCloseNoResponse = "auto_close_no_response"

	emailKindSatisfaction = "satisfaction"
	emailKindAutoClose    = "auto_close"
)

// DefaultAutoCloseWindow is used when no window is configured.
const DefaultAutoCloseWindow = 5 * 24 * time.Hour

// AutoCloseResult summarises one auto-close sweep.
type AutoCloseResult struct {
	Scanned      int       `json:"scanned"`
	Closed       int       `json:"closed"`
	Emailed      int       `json:"emailed"`
	EmailFailed  int       `json:"emailFailed"`
	EmailSkipped int       `json:"emailSkipped"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Cutoff       time.Time `json:"cutoff"`
}

func (r *AutoCloseResult) countEmail(res mail.Result) {
	switch res.Status {
	case mail.StatusSent:
		r.Emailed++
	case mail.StatusFailed:
		r.EmailFailed++
	default:
		r.EmailSkipped++
	}
}

// AutoCloseOptions configures the sweeps. A nil Sender disables email.
type AutoCloseOptions struct {
	Window   time.Duration
	Sender   mail.Sender
	Composer *mail.Composer
}

// AutoCloser closes resolved tickets after a cool-down and pending tickets
// after requester silence.
type AutoCloser struct {
	deps     Dependencies
	window   time.Duration
	sender   mail.Sender
	composer *mail.Composer
}

// NewAutoCloser builds the auto-close engine.
func NewAutoCloser(deps Dependencies, opts AutoCloseOptions) *AutoCloser {
	if opts.Window <= 0 {
		opts.Window = DefaultAutoCloseWindow
	}
	if opts.Composer == nil {
		opts.Composer = mail.NewComposer(config.MailConfig{})
	}
	return &AutoCloser{
		deps:     deps.normalized("auto_closer"),
		window:   opts.Window,
		sender:   opts.Sender,
		composer: opts.Composer,
	}
}

// CloseResolved closes tickets resolved at or before now-window and sends a
// satisfaction survey once per ticket.
func (a *AutoCloser) CloseResolved(ctx context.Context, limit int) (AutoCloseResult, error) {
	now := a.deps.Now()
	result := AutoCloseResult{Cutoff: now.Add(-a.window)}

	tickets, err := a.deps.Store.Tickets().ListResolvedBefore(ctx, result.Cutoff, limit)
	if err != nil {
		return result, fmt.Errorf("list resolved tickets: %w", err)
	}
	result.Scanned = len(tickets)

	for _, ticket := range tickets {
		closed, err := a.close(ctx, ticket, domain.TicketStatusResolved, ReasonAutoClose, nil)
		if err != nil {
			result.Failed++
			a.deps.Logger.Warn("auto close failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		if !closed {
			result.Skipped++
			continue
		}
		result.Closed++
		result.countEmail(a.notify(ctx, ticket, emailKindSatisfaction))
	}

	a.finish(componentAutoCloseResolved, result)
	return result, nil
}

// ClosePending closes pending tickets idle since now-window unless the
// requester replied after the cutoff. The requester is told why.
func (a *AutoCloser) ClosePending(ctx context.Context, limit int) (AutoCloseResult, error) {
	now := a.deps.Now()
	result := AutoCloseResult{Cutoff: now.Add(-a.window)}

	tickets, err := a.deps.Store.Tickets().ListPendingIdleSince(ctx, result.Cutoff, limit)
	if err != nil {
		return result, fmt.Errorf("list pending tickets: %w", err)
	}
	result.Scanned = len(tickets)

	for _, ticket := range tickets {
		replied, err := a.deps.Store.Comments().HasRequesterReplySince(ctx, ticket, result.Cutoff)
		if err != nil {
			result.Failed++
			a.deps.Logger.Warn("requester reply check failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		if replied {
			result.Skipped++
			continue
		}

		comment := &domain.Comment{
			TicketID:   ticket.ID,
			AuthorType: domain.AuthorTypeSystem,
			Body:       a.pendingCloseBody(),
			Source:     domain.CommentSourceAutomation,
		}
		closed, err := a.close(ctx, ticket, domain.TicketStatusPending, ReasonAutoCloseNoResponse, comment)
		if err != nil {
			result.Failed++
			a.deps.Logger.Warn("auto close failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		if !closed {
			result.Skipped++
			continue
		}
		result.Closed++
		result.countEmail(a.notify(ctx, ticket, emailKindAutoClose))
	}

	a.finish(componentAutoClosePending, result)
	return result, nil
}

func (a *AutoCloser) windowDays() int {
	days := int(a.window / (24 * time.Hour))
	if days < 1 {
		return 1
	}
	return days
}

func (a *AutoCloser) pendingCloseBody() string {
	return fmt.Sprintf("This ticket was closed automatically after %d days without a response from the requester.", a.windowDays())
}

// close moves the ticket from -> closed with its audit rows in one
// transaction. It reports false when the guard found the ticket already moved.
func (a *AutoCloser) close(ctx context.Context, ticket domain.Ticket, from domain.TicketStatus, reason string, comment *domain.Comment) (bool, error) {
	now := a.deps.Now()
	var entry *events.Entry
	err := a.deps.Store.WithTx(ctx, func(tx repository.Stores) error {
		moved, err := tx.Tickets().TransitionStatus(ctx, ticket.ID, from, domain.TicketStatusClosed, now)
		if err != nil {
			return fmt.Errorf("transition ticket: %w", err)
		}
		if !moved {
			return errNoop
		}
		if comment != nil {
			if err := tx.Comments().Create(ctx, comment); err != nil {
				return fmt.Errorf("add closing comment: %w", err)
			}
		}
		entry, _, err = appendEvent(ctx, tx, ticket.ID, events.TicketStatusChangedPayload{
			OldStatus: from,
			NewStatus: domain.TicketStatusClosed,
			Reason:    reason,
		})
		return err
	})
	if errors.Is(err, errNoop) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a.deps.publish(ctx, entry)
	return true, nil
}

// notify sends the post-close email at most once per ticket and kind. It never
// fails the sweep.
func (a *AutoCloser) notify(ctx context.Context, ticket domain.Ticket, kind string) (res mail.Result) {
	defer func() { a.deps.Metrics.RecordEmail(kind, string(res.Status)) }()

	if a.sender == nil {
		return mail.Skipped("mail provider not configured")
	}

	eventType := events.EventSatisfactionEmailSent
	if kind == emailKindAutoClose {
		eventType = events.EventAutoCloseEmailSent
	}
	sent, err := a.deps.Store.Ledger().Exists(ctx, eventType, ticket.ID)
	if err != nil {
		return mail.Failed(fmt.Errorf("check email ledger: %w", err))
	}
	if sent {
		return mail.Skipped("already sent")
	}

	to, err := a.recipient(ctx, ticket)
	if err != nil {
		return mail.Failed(err)
	}
	if to == "" {
		return mail.Skipped("no requester address")
	}

	var msg mail.Message
	if kind == emailKindAutoClose {
		msg, err = a.composer.AutoCloseNotice(ticket, to, a.windowDays())
	} else {
		msg, err = a.composer.SatisfactionSurvey(ticket, to)
	}
	if err != nil {
		return mail.Failed(fmt.Errorf("compose %s email: %w", kind, err))
	}

	res = mail.Deliver(ctx, a.sender, msg, a.deps.Logger)
	if res.Status != mail.StatusSent {
		return res
	}

	var payload events.Payload = events.SatisfactionEmailSentPayload{To: to, ProviderMessageID: res.ProviderMessageID}
	if kind == emailKindAutoClose {
		payload = events.AutoCloseEmailSentPayload{To: to, ProviderMessageID: res.ProviderMessageID}
	}
	entry, inserted, err := appendEvent(ctx, a.deps.Store, ticket.ID, payload)
	if err != nil {
		a.deps.Logger.Error("email sent but not recorded",
			zap.String("ticket_id", ticket.ID),
			zap.String("kind", kind),
			zap.Error(err))
		return res
	}
	if inserted {
		a.deps.publish(ctx, entry)
	}
	return res
}

// recipient prefers the address captured on the ticket and falls back to the
// linked requester profile.
func (a *AutoCloser) recipient(ctx context.Context, ticket domain.Ticket) (string, error) {
	if addr, ok := ticket.RequesterAddress(); ok {
		return addr, nil
	}
	if ticket.RequesterID == nil {
		return "", nil
	}
	profile, err := a.deps.Store.Profiles().GetByID(ctx, *ticket.RequesterID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load requester profile: %w", err)
	}
	addr, _ := domain.FirstAddress(profile.Email)
	return addr, nil
}

func (a *AutoCloser) finish(component string, result AutoCloseResult) {
	a.deps.Metrics.RecordRows(component, "closed", result.Closed)
	a.deps.Metrics.RecordRows(component, "skipped", result.Skipped)
	a.deps.Metrics.RecordRows(component, "failed", result.Failed)
	a.deps.Logger.Info("auto close sweep finished",
		zap.String("sweep", component),
		zap.Time("cutoff", result.Cutoff),
		zap.Int("scanned", result.Scanned),
		zap.Int("closed", result.Closed),
		zap.Int("emailed", result.Emailed),
		zap.Int("email_failed", result.EmailFailed),
		zap.Int("email_skipped", result.EmailSkipped),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
}
