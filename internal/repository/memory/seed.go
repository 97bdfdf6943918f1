package memory

import (
	"github.com/google/uuid"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
)

// AddTicket stores t, assigning an id and number when missing.
func (s *Store) AddTicket(t domain.Ticket) domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertTicket(&t)
	return t
}

// AddSLA stores the SLA row for rec.TicketID.
func (s *Store) AddSLA(rec domain.SLARecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.slas[rec.TicketID] = rec
}

// AddPolicy stores a policy and its steps.
func (s *Store) AddPolicy(p domain.EscalationPolicy, steps ...domain.EscalationStep) domain.EscalationPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.st.policies = append(s.st.policies, p)
	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.PolicyID = p.ID
		s.st.steps = append(s.st.steps, step)
	}
	return p
}

// AddWorkflow stores wf as is.
func (s *Store) AddWorkflow(wf domain.EscalationWorkflow) domain.EscalationWorkflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	s.st.workflows = append(s.st.workflows, wf)
	return wf
}

// AddProfile stores a directory profile.
func (s *Store) AddProfile(p domain.Profile) domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.st.profiles[p.ID] = p
	return p
}

// AddGroup stores a group and its member profile ids.
func (s *Store) AddGroup(g domain.Group, memberIDs ...string) domain.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	s.st.groups[g.ID] = g
	s.st.members[g.ID] = append([]string(nil), memberIDs...)
	return g
}

// AddComment stores c with its CreatedAt untouched.
func (s *Store) AddComment(c domain.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.st.comments = append(s.st.comments, c)
}

// Ticket returns the stored ticket.
func (s *Store) Ticket(id string) (domain.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.tickets[id]
	return t, ok
}

// TicketCount returns the number of stored tickets.
func (s *Store) TicketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.tickets)
}

// SLA returns the stored SLA row.
func (s *Store) SLA(ticketID string) (domain.SLARecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.st.slas[ticketID]
	return rec, ok
}

// Workflows returns the workflows of a ticket in insertion order.
func (s *Store) Workflows(ticketID string) []domain.EscalationWorkflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.EscalationWorkflow
	for _, wf := range s.st.workflows {
		if wf.TicketID == ticketID {
			result = append(result, wf)
		}
	}
	return result
}

// Workflow returns the workflow with id.
func (s *Store) Workflow(id string) (domain.EscalationWorkflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.workflowIndex(id); i >= 0 {
		return s.st.workflows[i], true
	}
	return domain.EscalationWorkflow{}, false
}

// Entries returns ledger entries of the given type, or all when typ is empty.
func (s *Store) Entries(typ events.EventType) []events.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []events.Entry
	for _, e := range s.st.ledger {
		if typ == "" || e.Type == typ {
			result = append(result, e)
		}
	}
	return result
}

// TicketComments returns the comments of a ticket in insertion order.
func (s *Store) TicketComments(ticketID string) []domain.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.Comment
	for _, c := range s.st.comments {
		if c.TicketID == ticketID {
			result = append(result, c)
		}
	}
	return result
}
