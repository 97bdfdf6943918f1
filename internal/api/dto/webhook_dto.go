package dto

import (
	"strings"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// InboundEmailEnvelope is the change-notification batch pushed by the mail
// provider.
type InboundEmailEnvelope struct {
	Value []InboundEmailNotification `json:"value"`
}

// InboundEmailNotification is one entry of the batch.
type InboundEmailNotification struct {
	SubscriptionID string               `json:"subscriptionId"`
	ClientState    string               `json:"clientState"`
	ChangeType     string               `json:"changeType"`
	Resource       string               `json:"resource"`
	ResourceData   *InboundResourceData `json:"resourceData"`
}

// InboundResourceData identifies the changed message.
type InboundResourceData struct {
	ID string `json:"id"`
}

// ToDomain converts the batch. The message id falls back to the last path
// segment of the resource.
func (e InboundEmailEnvelope) ToDomain() []domain.MailNotification {
	out := make([]domain.MailNotification, 0, len(e.Value))
	for _, v := range e.Value {
		n := domain.MailNotification{
			SubscriptionID: v.SubscriptionID,
			ClientState:    v.ClientState,
			ChangeType:     v.ChangeType,
			Resource:       v.Resource,
		}
		if v.ResourceData != nil {
			n.MessageID = strings.TrimSpace(v.ResourceData.ID)
		}
		if n.MessageID == "" && v.Resource != "" {
			parts := strings.Split(strings.Trim(v.Resource, "/"), "/")
			if len(parts) >= 2 && strings.EqualFold(parts[len(parts)-2], "messages") {
				n.MessageID = parts[len(parts)-1]
			}
		}
		out = append(out, n)
	}
	return out
}
