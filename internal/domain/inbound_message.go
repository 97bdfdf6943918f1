package domain

import (
	"strings"
	"time"
)

// InboundMessage is an email fetched from the mail provider after a push
// notification. It is not stored as such; only its effects are.
type InboundMessage struct {
	ProviderID        string
	InternetMessageID string
	ConversationID    string
	Subject           string
	Body              string
	BodyIsHTML        bool
	FromAddress       string
	FromName          string
	Recipients        []string
	ReceivedAt        time.Time
}

// DedupKey returns the identifier used to recognise redelivery of the same
// message. The internet message id wins because it survives provider-side
// copies and moves; the provider id is the fallback.
func (m InboundMessage) DedupKey() string {
	if id := strings.TrimSpace(m.InternetMessageID); id != "" {
		return id
	}
	return strings.TrimSpace(m.ProviderID)
}

// MailNotification is one change notification pushed by the mail provider.
// It only names the message; the content is fetched separately.
type MailNotification struct {
	SubscriptionID string
	ClientState    string
	ChangeType     string
	Resource       string
	MessageID      string
}
