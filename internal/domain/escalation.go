package domain

import (
	"sort"
	"time"
)

// EscalationPolicy describes which tickets a set of escalation steps applies to.
// Nil filters match every ticket.
type EscalationPolicy struct {
	ID                string
	Name              string
	Priority          int
	IsActive          bool
	TicketType        *string
	AssignmentGroupID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Matches reports whether the policy filters accept the ticket.
func (p EscalationPolicy) Matches(t Ticket) bool {
	if p.TicketType != nil && (t.Type == nil || *t.Type != *p.TicketType) {
		return false
	}
	if p.AssignmentGroupID != nil && (t.AssignmentGroupID == nil || *t.AssignmentGroupID != *p.AssignmentGroupID) {
		return false
	}
	return true
}

// MatchPolicy returns the first active policy, in ascending priority order,
// that matches the ticket. It returns nil when nothing matches.
func MatchPolicy(policies []EscalationPolicy, t Ticket) *EscalationPolicy {
	ordered := make([]EscalationPolicy, 0, len(policies))
	for _, p := range policies {
		if p.IsActive {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	for i := range ordered {
		if ordered[i].Matches(t) {
			return &ordered[i]
		}
	}
	return nil
}

// NotifyTargetType identifies who an escalation step notifies.
type NotifyTargetType string

const (
	NotifyTargetUser  NotifyTargetType = "user"
	NotifyTargetGroup NotifyTargetType = "group"
)

// EscalationStep is one ordered step of a policy.
type EscalationStep struct {
	ID               string
	PolicyID         string
	StepOrder        int
	DelayMinutes     int
	NotifyTargetType NotifyTargetType
	NotifyTargetID   string
	Channel          string
}

// Delay returns the step delay as a duration.
func (s EscalationStep) Delay() time.Duration {
	if s.DelayMinutes <= 0 {
		return 0
	}
	return time.Duration(s.DelayMinutes) * time.Minute
}

// WorkflowStatus is the state of an escalation workflow.
type WorkflowStatus string

const (
	WorkflowStatusOpen      WorkflowStatus = "open"
	WorkflowStatusCompleted WorkflowStatus = "completed"
)

// EscalationWorkflow is the per-ticket run of an escalation policy.
// CurrentStep 0 means no step has executed yet.
type EscalationWorkflow struct {
	ID          string
	TicketID    string
	PolicyID    *string
	Status      WorkflowStatus
	CurrentStep int
	NextRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Due reports whether the workflow may be advanced at now.
func (w EscalationWorkflow) Due(now time.Time) bool {
	if w.Status != WorkflowStatusOpen {
		return false
	}
	return w.NextRunAt == nil || !w.NextRunAt.After(now)
}
