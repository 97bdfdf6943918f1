package domain

import "time"

// SLARecord holds the response and resolution timers for a single ticket.
// Breach flags only ever move from false to true.
type SLARecord struct {
	TicketID                string
	FirstResponseDueAt      *time.Time
	FirstResponseAt         *time.Time
	FirstResponseBreached   bool
	FirstResponseBreachedAt *time.Time
	ResolutionDueAt         *time.Time
	ResolvedAt              *time.Time
	ResolutionBreached      bool
	ResolutionBreachedAt    *time.Time
}

// FirstResponseOverdue reports a first-response breach that has not been flagged yet.
func (r SLARecord) FirstResponseOverdue(now time.Time) bool {
	return r.FirstResponseDueAt != nil &&
		!r.FirstResponseDueAt.After(now) &&
		r.FirstResponseAt == nil &&
		!r.FirstResponseBreached
}

// ResolutionOverdue reports a resolution breach that has not been flagged yet.
func (r SLARecord) ResolutionOverdue(now time.Time) bool {
	return r.ResolutionDueAt != nil &&
		!r.ResolutionDueAt.After(now) &&
		r.ResolvedAt == nil &&
		!r.ResolutionBreached
}
