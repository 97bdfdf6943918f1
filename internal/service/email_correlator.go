package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/auth"
	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/graph"
	"github.com/spec-kit/ticket-automation/internal/inbox"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

const componentEmailCorrelator = "email_correlator"

// CorrelationOutcome is what happened to one inbound notification.
type CorrelationOutcome string

const (
	CorrelationIgnored   CorrelationOutcome = "ignored"
	CorrelationDuplicate CorrelationOutcome = "duplicate"
	CorrelationCreated   CorrelationOutcome = "created"
	CorrelationCommented CorrelationOutcome = "commented"
	CorrelationFailed    CorrelationOutcome = "failed"
)

const (
	defaultIngestLockTTL   = 2 * time.Minute
	defaultLockRetryPeriod = time.Second
	noSubjectTitle         = "(no subject)"
	maxTitleLength         = 255
)

// MessageFetcher loads the content of a notified message.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, messageID string) (*domain.InboundMessage, error)
}

// EmailCorrelatorOptions configures inbound correlation. A nil Locker
// disables the in-flight lock; the ledger still guarantees single ingestion.
// A notification whose message is locked by another worker polls the lock
// every LockRetry until it is released or LockTTL has passed.
type EmailCorrelatorOptions struct {
	Fetcher     MessageFetcher
	Locker      inbox.Locker
	ClientState string
	LockTTL     time.Duration
	LockRetry   time.Duration
}

// EmailCorrelator turns inbound emails into new tickets or thread comments,
// exactly once per message.
type EmailCorrelator struct {
	deps        Dependencies
	fetcher     MessageFetcher
	locker      inbox.Locker
	clientState string
	lockTTL     time.Duration
	lockRetry   time.Duration
	policy      *bluemonday.Policy
}

// NewEmailCorrelator builds the correlator.
func NewEmailCorrelator(deps Dependencies, opts EmailCorrelatorOptions) *EmailCorrelator {
	if opts.Locker == nil {
		opts.Locker = inbox.NoopLocker{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultIngestLockTTL
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = defaultLockRetryPeriod
	}
	return &EmailCorrelator{
		deps:        deps.normalized(componentEmailCorrelator),
		fetcher:     opts.Fetcher,
		locker:      opts.Locker,
		clientState: opts.ClientState,
		lockTTL:     opts.LockTTL,
		lockRetry:   opts.LockRetry,
		policy:      bluemonday.StrictPolicy(),
	}
}

// Handle processes n and logs the outcome. It has the inbox.Handler shape.
func (c *EmailCorrelator) Handle(ctx context.Context, n domain.MailNotification) {
	outcome, err := c.Process(ctx, n)
	if err != nil {
		c.deps.Logger.Error("inbound email processing failed",
			zap.String("message_id", n.MessageID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		return
	}
	c.deps.Logger.Debug("inbound email processed",
		zap.String("message_id", n.MessageID),
		zap.String("outcome", string(outcome)))
}

// HandleBatch processes notifications one by one. A failing notification
// does not stop its siblings.
func (c *EmailCorrelator) HandleBatch(ctx context.Context, batch []domain.MailNotification) {
	for _, n := range batch {
		c.Handle(ctx, n)
	}
}

// Process correlates a single notification.
func (c *EmailCorrelator) Process(ctx context.Context, n domain.MailNotification) (outcome CorrelationOutcome, err error) {
	defer func() { c.deps.Metrics.RecordInbound(string(outcome)) }()

	if !auth.SecretEqual(c.clientState, n.ClientState) {
		c.deps.Logger.Warn("inbound notification with invalid client state",
			zap.String("subscription_id", n.SubscriptionID))
		return CorrelationIgnored, nil
	}
	if strings.TrimSpace(n.MessageID) == "" || c.fetcher == nil {
		return CorrelationIgnored, nil
	}

	msg, err := c.fetcher.FetchMessage(ctx, n.MessageID)
	if errors.Is(err, graph.ErrMessageNotFound) {
		return CorrelationIgnored, nil
	}
	if err != nil {
		return CorrelationFailed, fmt.Errorf("fetch message: %w", err)
	}

	key := msg.DedupKey()
	if key == "" {
		return CorrelationIgnored, nil
	}

	seen, err := c.deps.Store.Ledger().Exists(ctx, events.EventEmailIngested, key)
	if err != nil {
		return CorrelationFailed, fmt.Errorf("check ingest ledger: %w", err)
	}
	if seen {
		return CorrelationDuplicate, nil
	}

	acquired, waited, err := c.acquire(ctx, key)
	if err != nil {
		return CorrelationFailed, fmt.Errorf("wait for in-flight lock: %w", err)
	}
	if acquired {
		defer func() {
			if err := c.locker.Release(context.WithoutCancel(ctx), key); err != nil {
				c.deps.Logger.Warn("release in-flight lock", zap.String("dedup_key", key), zap.Error(err))
			}
		}()
	}
	if waited {
		seen, err := c.deps.Store.Ledger().Exists(ctx, events.EventEmailIngested, key)
		if err != nil {
			return CorrelationFailed, fmt.Errorf("check ingest ledger: %w", err)
		}
		if seen {
			return CorrelationDuplicate, nil
		}
	}

	return c.ingest(ctx, msg, key)
}

// acquire takes the in-flight lock for key. While another worker holds it,
// acquire polls until the holder releases it or the lock TTL has passed, so a
// holder that fails never swallows the message. It reports whether this call
// owns the lock and whether it had to wait. Lock errors are logged and
// treated as not owning the lock; the ledger stays authoritative.
func (c *EmailCorrelator) acquire(ctx context.Context, key string) (acquired, waited bool, err error) {
	attempts := int(c.lockTTL/c.lockRetry) + 1
	for i := 0; ; i++ {
		ok, err := c.locker.Acquire(ctx, key, c.lockTTL)
		if err != nil {
			c.deps.Logger.Warn("in-flight lock unavailable", zap.String("dedup_key", key), zap.Error(err))
			return false, waited, nil
		}
		if ok {
			return true, waited, nil
		}
		if i >= attempts {
			c.deps.Logger.Warn("in-flight lock not released within its ttl", zap.String("dedup_key", key))
			return false, true, nil
		}
		waited = true
		if err := ctx.Err(); err != nil {
			return false, true, err
		}

		timer := time.NewTimer(c.lockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, true, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *EmailCorrelator) ingest(ctx context.Context, msg *domain.InboundMessage, key string) (CorrelationOutcome, error) {
	body := c.plainText(msg)

	target, err := c.resolveTicket(ctx, msg, body)
	if err != nil {
		return CorrelationFailed, err
	}

	var (
		outcome CorrelationOutcome
		entry   *events.Entry
	)
	err = c.deps.Store.WithTx(ctx, func(tx repository.Stores) error {
		var subjectID string
		if target == nil {
			ticket, err := c.newTicket(ctx, tx, msg, body)
			if err != nil {
				return err
			}
			subjectID, outcome = ticket.ID, CorrelationCreated
		} else {
			if err := c.addComment(ctx, tx, *target, msg, body); err != nil {
				return err
			}
			subjectID, outcome = target.ID, CorrelationCommented
		}

		action := events.IngestCommented
		if outcome == CorrelationCreated {
			action = events.IngestCreated
		}
		var inserted bool
		var err error
		entry, inserted, err = appendEvent(ctx, tx, subjectID, events.EmailIngestedPayload{
			MessageKey:        key,
			ProviderMessageID: msg.ProviderID,
			InternetMessageID: msg.InternetMessageID,
			ConversationID:    msg.ConversationID,
			Action:            action,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errNoop
		}
		return nil
	})
	if errors.Is(err, errNoop) {
		return CorrelationDuplicate, nil
	}
	if err != nil {
		return CorrelationFailed, err
	}
	c.deps.publish(ctx, entry)
	c.deps.Logger.Info("inbound email ingested",
		zap.String("ticket_id", entry.SubjectID),
		zap.String("dedup_key", key),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}

// resolveTicket finds the ticket a message belongs to: an explicit ticket
// number first, then the conversation thread. It returns nil for new mail.
func (c *EmailCorrelator) resolveTicket(ctx context.Context, msg *domain.InboundMessage, body string) (*domain.Ticket, error) {
	if number, ok := domain.ExtractTicketNumber(msg.Recipients, msg.Subject, body); ok {
		ticket, err := c.deps.Store.Tickets().GetByNumber(ctx, number)
		switch {
		case err == nil:
			return ticket, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("load ticket %s: %w", number, err)
		}
		c.deps.Logger.Debug("ticket number not found", zap.String("number", number))
	}

	if msg.ConversationID == "" {
		return nil, nil
	}
	ticketID, ok, err := c.deps.Store.Ledger().FindTicketByConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if !ok {
		return nil, nil
	}
	ticket, err := c.deps.Store.Tickets().GetByID(ctx, ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	return ticket, nil
}

func (c *EmailCorrelator) newTicket(ctx context.Context, tx repository.Stores, msg *domain.InboundMessage, body string) (*domain.Ticket, error) {
	ticket := &domain.Ticket{
		Title:       ticketTitle(msg.Subject),
		Description: body,
		Status:      domain.TicketStatusNew,
		Channel:     domain.TicketChannelEmail,
	}
	if from := strings.TrimSpace(msg.FromAddress); from != "" {
		ticket.RequesterEmail = &from
		profile, err := tx.Profiles().GetByEmail(ctx, from)
		switch {
		case err == nil:
			ticket.RequesterID = &profile.ID
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("look up sender profile: %w", err)
		}
	}
	if name := strings.TrimSpace(msg.FromName); name != "" {
		ticket.RequesterName = &name
	}
	if err := tx.Tickets().Create(ctx, ticket); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return ticket, nil
}

func (c *EmailCorrelator) addComment(ctx context.Context, tx repository.Stores, ticket domain.Ticket, msg *domain.InboundMessage, body string) error {
	comment := &domain.Comment{
		TicketID:   ticket.ID,
		AuthorType: domain.AuthorTypeRequester,
		Body:       body,
		Source:     domain.CommentSourceEmail,
	}
	if from := strings.TrimSpace(msg.FromAddress); from != "" {
		comment.AuthorEmail = &from
		profile, err := tx.Profiles().GetByEmail(ctx, from)
		switch {
		case err == nil:
			comment.AuthorID = &profile.ID
			if !isRequester(ticket, profile.ID, from) {
				comment.AuthorType = domain.AuthorTypeAgent
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("look up sender profile: %w", err)
		}
	}
	if err := tx.Comments().Create(ctx, comment); err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return nil
}

// isRequester matches the sender against the ticket requester by profile id
// or captured address.
func isRequester(t domain.Ticket, profileID, address string) bool {
	if t.RequesterID != nil && *t.RequesterID == profileID {
		return true
	}
	if addr, ok := t.RequesterAddress(); ok && strings.EqualFold(addr, address) {
		return true
	}
	return false
}

// blockBreaks matches a run of line-breaking tags in any case and with
// attributes. Each run becomes one newline.
var blockBreaks = regexp.MustCompile(`(?i)(\s*(<br\b[^>]*>|</?(p|div|li|tr)\b[^>]*>)\s*)+`)

// plainText strips markup from HTML bodies. Plain bodies pass through.
func (c *EmailCorrelator) plainText(msg *domain.InboundMessage) string {
	if !msg.BodyIsHTML {
		return strings.TrimSpace(msg.Body)
	}
	text := c.policy.Sanitize(blockBreaks.ReplaceAllString(msg.Body, "\n"))
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func ticketTitle(subject string) string {
	title := strings.TrimSpace(subject)
	if title == "" {
		return noSubjectTitle
	}
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength])
	}
	return title
}
