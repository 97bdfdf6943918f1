package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// Ticket numbers are an external contract: agents quote them in replies and
// the plus-address tag (support+TKT-000123@example.com) carries them. The
// pattern and the tag convention change together.
const (
	TicketNumberPrefix = "TKT-"
	ticketNumberDigits = 6
)

var ticketNumberPattern = regexp.MustCompile(`(?i)\bTKT-(\d{6})\b`)

// FormatTicketNumber renders a sequence value as a ticket number.
func FormatTicketNumber(seq int64) string {
	digits := strings.Repeat("0", ticketNumberDigits) + strconv.FormatInt(seq, 10)
	return TicketNumberPrefix + digits[len(digits)-ticketNumberDigits:]
}

// FindTicketNumber returns the first ticket number contained in text.
func FindTicketNumber(text string) (string, bool) {
	m := ticketNumberPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return TicketNumberPrefix + m[1], true
}

// TicketNumberFromAddress extracts the tag of a plus-addressed recipient
// such as "support+TKT-000123@example.com".
func TicketNumberFromAddress(address string) (string, bool) {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return "", false
	}
	local := address[:at]
	plus := strings.Index(local, "+")
	if plus < 0 {
		return "", false
	}
	tag := local[plus+1:]
	number, ok := FindTicketNumber(tag)
	if !ok || !strings.EqualFold(number, tag) {
		return "", false
	}
	return number, true
}

// ExtractTicketNumber looks for a ticket number in plus-addressed recipients
// first, then the subject, then the body.
func ExtractTicketNumber(recipients []string, subject, body string) (string, bool) {
	for _, rcpt := range recipients {
		if number, ok := TicketNumberFromAddress(strings.TrimSpace(rcpt)); ok {
			return number, true
		}
	}
	if number, ok := FindTicketNumber(subject); ok {
		return number, true
	}
	return FindTicketNumber(body)
}

// TicketReplyAddress tags a mailbox address with the ticket number so replies
// correlate through TicketNumberFromAddress. Addresses without a domain are
// returned unchanged.
func TicketReplyAddress(mailbox, number string) string {
	at := strings.LastIndex(mailbox, "@")
	if at <= 0 || number == "" {
		return mailbox
	}
	local := mailbox[:at]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	return local + "+" + number + mailbox[at:]
}
