// Package mail sends customer and operator email. Delivery is always best
// effort: callers get a Result, never an error or a panic.
package mail

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Message is a single outbound HTML email.
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
}

// Sender hands a message to the mail provider and returns the provider's
// message id when it assigns one.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Status is the outcome of a delivery attempt.
type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result describes what happened to a message.
type Result struct {
	Status            Status
	Reason            string
	ProviderMessageID string
	Err               error
}

func Sent(providerID string) Result { return Result{Status: StatusSent, ProviderMessageID: providerID} }
func Skipped(reason string) Result  { return Result{Status: StatusSkipped, Reason: reason} }
func Failed(err error) Result       { return Result{Status: StatusFailed, Reason: err.Error(), Err: err} }

// Deliver sends msg through sender. A nil sender or a message without
// recipients is skipped; provider errors and panics become Failed.
func Deliver(ctx context.Context, sender Sender, msg Message, logger *zap.Logger) (res Result) {
	if sender == nil {
		return Skipped("mail provider not configured")
	}
	msg.To = cleanRecipients(msg.To)
	if len(msg.To) == 0 {
		return Skipped("no recipient address")
	}
	defer func() {
		if r := recover(); r != nil {
			res = Failed(fmt.Errorf("mail sender panicked: %v", r))
		}
		if res.Status == StatusFailed && logger != nil {
			logger.Warn("email delivery failed",
				zap.Strings("to", msg.To),
				zap.String("subject", msg.Subject),
				zap.Error(res.Err))
		}
	}()

	id, err := sender.Send(ctx, msg)
	if err != nil {
		return Failed(err)
	}
	return Sent(id)
}

func cleanRecipients(to []string) []string {
	seen := make(map[string]struct{}, len(to))
	out := make([]string, 0, len(to))
	for _, addr := range to {
		addr = sanitizeHeader(addr)
		key := strings.ToLower(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// sanitizeHeader removes CR and LF so values cannot inject headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}
