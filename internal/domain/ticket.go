package domain

import (
	"strings"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew        TicketStatus = "new"
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusPending    TicketStatus = "pending"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

// TicketChannel records how a ticket entered the system.
type TicketChannel string

const (
	TicketChannelEmail  TicketChannel = "email"
	TicketChannelPortal TicketChannel = "portal"
	TicketChannelPhone  TicketChannel = "phone"
	TicketChannelAPI    TicketChannel = "api"
)

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID                string
	Number            string
	Title             string
	Description       string
	Status            TicketStatus
	Type              *string
	AssignmentGroupID *string
	RequesterID       *string
	RequesterEmail    *string
	RequesterName     *string
	Channel           TicketChannel
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
	ClosedAt          *time.Time
}

// RequesterAddress returns the first address of the requester email
// snapshot, if any.
func (t Ticket) RequesterAddress() (string, bool) {
	if t.RequesterEmail == nil {
		return "", false
	}
	return FirstAddress(*t.RequesterEmail)
}

// FirstAddress returns the first address of a comma or semicolon
// separated recipient list.
func FirstAddress(list string) (string, bool) {
	for _, part := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' }) {
		addr := strings.TrimSpace(part)
		if addr != "" {
			return addr, true
		}
	}
	return "", false
}
