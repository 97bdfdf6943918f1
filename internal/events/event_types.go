package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// EventType enumerates ledger event identifiers.
type EventType string

const (
	EventFirstResponseBreached EventType = "first_response_breached"
	EventResolutionBreached    EventType = "resolution_breached"
	EventEscalationCreated     EventType = "escalation_created"
	EventStepExecuted          EventType = "step_executed"
	EventEscalationCompleted   EventType = "escalation_completed"
	EventTicketStatusChanged   EventType = "ticket_status_changed"
	EventSatisfactionEmailSent EventType = "satisfaction_email_sent"
	EventAutoCloseEmailSent    EventType = "auto_close_email_sent"
	EventEmailIngested         EventType = "email_ingested"
)

// SubjectType is the kind of row a ledger entry is about.
type SubjectType string

const (
	SubjectTicket     SubjectType = "ticket"
	SubjectEscalation SubjectType = "escalation"
)

// Payload is implemented by every ledger payload variant. DedupKey returns
// the key that makes the effect unique, or "" for audit-only events.
type Payload interface {
	EventType() EventType
	SubjectType() SubjectType
	DedupKey(subjectID string) string
}

// Entry is an append-only ledger row.
type Entry struct {
	ID          string          `json:"id"`
	SubjectType SubjectType     `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	Type        EventType       `json:"type"`
	DedupKey    *string         `json:"dedup_key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewEntry encodes payload into a ledger entry for subjectID.
func NewEntry(subjectID string, payload Payload) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", payload.EventType(), err)
	}
	entry := Entry{
		SubjectType: payload.SubjectType(),
		SubjectID:   subjectID,
		Type:        payload.EventType(),
		Payload:     raw,
	}
	if key := payload.DedupKey(subjectID); key != "" {
		entry.DedupKey = &key
	}
	return entry, nil
}

// Decode returns the typed payload variant stored in the entry.
func (e Entry) Decode() (Payload, error) {
	return Decode(e.Type, e.Payload)
}

// Decode unmarshals raw into the payload variant for typ.
func Decode(typ EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch typ {
	case EventFirstResponseBreached:
		p = &FirstResponseBreachedPayload{}
	case EventResolutionBreached:
		p = &ResolutionBreachedPayload{}
	case EventEscalationCreated:
		p = &EscalationCreatedPayload{}
	case EventStepExecuted:
		p = &StepExecutedPayload{}
	case EventEscalationCompleted:
		p = &EscalationCompletedPayload{}
	case EventTicketStatusChanged:
		p = &TicketStatusChangedPayload{}
	case EventSatisfactionEmailSent:
		p = &SatisfactionEmailSentPayload{}
	case EventAutoCloseEmailSent:
		p = &AutoCloseEmailSentPayload{}
	case EventEmailIngested:
		p = &EmailIngestedPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return p, nil
}

// FirstResponseBreachedPayload payload.
type FirstResponseBreachedPayload struct {
	DueAt time.Time `json:"due_at"`
}

func (FirstResponseBreachedPayload) EventType() EventType      { return EventFirstResponseBreached }
func (FirstResponseBreachedPayload) SubjectType() SubjectType  { return SubjectTicket }
func (FirstResponseBreachedPayload) DedupKey(id string) string { return id }

// ResolutionBreachedPayload payload.
type ResolutionBreachedPayload struct {
	DueAt time.Time `json:"due_at"`
}

func (ResolutionBreachedPayload) EventType() EventType      { return EventResolutionBreached }
func (ResolutionBreachedPayload) SubjectType() SubjectType  { return SubjectTicket }
func (ResolutionBreachedPayload) DedupKey(id string) string { return id }

// EscalationCreatedPayload payload.
type EscalationCreatedPayload struct {
	TicketID string  `json:"ticket_id"`
	PolicyID *string `json:"policy_id,omitempty"`
}

func (EscalationCreatedPayload) EventType() EventType      { return EventEscalationCreated }
func (EscalationCreatedPayload) SubjectType() SubjectType  { return SubjectEscalation }
func (EscalationCreatedPayload) DedupKey(id string) string { return id }

// StepExecutedPayload records that the notification for one step happened.
type StepExecutedPayload struct {
	TicketID         string                  `json:"ticket_id"`
	PolicyID         string                  `json:"policy_id"`
	StepOrder        int                     `json:"step_order"`
	NotifyTargetType domain.NotifyTargetType `json:"notify_target_type"`
	NotifyTargetID   string                  `json:"notify_target_id"`
	Channel          string                  `json:"channel"`
	DelayMinutes     int                     `json:"delay_minutes"`
}

func (StepExecutedPayload) EventType() EventType     { return EventStepExecuted }
func (StepExecutedPayload) SubjectType() SubjectType { return SubjectEscalation }
func (p StepExecutedPayload) DedupKey(id string) string {
	return StepDedupKey(id, p.StepOrder)
}

// StepDedupKey is the ledger key of a step_executed event.
func StepDedupKey(workflowID string, stepOrder int) string {
	return fmt.Sprintf("%s:%d", workflowID, stepOrder)
}

// EscalationCompletedPayload payload.
type EscalationCompletedPayload struct {
	TicketID  string `json:"ticket_id"`
	FinalStep int    `json:"final_step"`
	Reason    string `json:"reason"`
}

func (EscalationCompletedPayload) EventType() EventType      { return EventEscalationCompleted }
func (EscalationCompletedPayload) SubjectType() SubjectType  { return SubjectEscalation }
func (EscalationCompletedPayload) DedupKey(id string) string { return id }

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus domain.TicketStatus `json:"old_status"`
	NewStatus domain.TicketStatus `json:"new_status"`
	Reason    string              `json:"reason"`
}

func (TicketStatusChangedPayload) EventType() EventType     { return EventTicketStatusChanged }
func (TicketStatusChangedPayload) SubjectType() SubjectType { return SubjectTicket }
func (TicketStatusChangedPayload) DedupKey(string) string   { return "" }

// SatisfactionEmailSentPayload payload.
type SatisfactionEmailSentPayload struct {
	To                string `json:"to"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

func (SatisfactionEmailSentPayload) EventType() EventType      { return EventSatisfactionEmailSent }
func (SatisfactionEmailSentPayload) SubjectType() SubjectType  { return SubjectTicket }
func (SatisfactionEmailSentPayload) DedupKey(id string) string { return id }

// AutoCloseEmailSentPayload payload.
type AutoCloseEmailSentPayload struct {
	To                string `json:"to"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

func (AutoCloseEmailSentPayload) EventType() EventType      { return EventAutoCloseEmailSent }
func (AutoCloseEmailSentPayload) SubjectType() SubjectType  { return SubjectTicket }
func (AutoCloseEmailSentPayload) DedupKey(id string) string { return id }

// IngestAction records what an ingested email did to its ticket.
type IngestAction string

const (
	IngestCreated   IngestAction = "created"
	IngestCommented IngestAction = "commented"
)

// EmailIngestedPayload is keyed by the message dedup key, not the ticket.
type EmailIngestedPayload struct {
	MessageKey        string       `json:"dedup_key"`
	ProviderMessageID string       `json:"provider_message_id"`
	InternetMessageID string       `json:"internet_message_id,omitempty"`
	ConversationID    string       `json:"conversation_id,omitempty"`
	Action            IngestAction `json:"action"`
}

func (EmailIngestedPayload) EventType() EventType     { return EventEmailIngested }
func (EmailIngestedPayload) SubjectType() SubjectType { return SubjectTicket }
func (p EmailIngestedPayload) DedupKey(string) string { return p.MessageKey }
