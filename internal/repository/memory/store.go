// Package memory is an in-process implementation of repository.Store used by
// service and handler tests. Transactions are emulated by snapshotting the
// whole state and restoring it when the callback fails.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

type state struct {
	seq       int64
	tickets   map[string]domain.Ticket
	slas      map[string]domain.SLARecord
	policies  []domain.EscalationPolicy
	steps     []domain.EscalationStep
	workflows []domain.EscalationWorkflow
	ledger    []events.Entry
	comments  []domain.Comment
	profiles  map[string]domain.Profile
	groups    map[string]domain.Group
	members   map[string][]string
}

func (s *state) clone() *state {
	c := &state{
		seq:       s.seq,
		tickets:   make(map[string]domain.Ticket, len(s.tickets)),
		slas:      make(map[string]domain.SLARecord, len(s.slas)),
		policies:  append([]domain.EscalationPolicy(nil), s.policies...),
		steps:     append([]domain.EscalationStep(nil), s.steps...),
		workflows: append([]domain.EscalationWorkflow(nil), s.workflows...),
		ledger:    append([]events.Entry(nil), s.ledger...),
		comments:  append([]domain.Comment(nil), s.comments...),
		profiles:  make(map[string]domain.Profile, len(s.profiles)),
		groups:    make(map[string]domain.Group, len(s.groups)),
		members:   make(map[string][]string, len(s.members)),
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.slas {
		c.slas[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.members {
		c.members[k] = append([]string(nil), v...)
	}
	return c
}

// Store is a repository.Store backed by maps.
type Store struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	st       *state
	now      func() time.Time
	failures map[string]error
	beforeTx []func()
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store whose timestamps come from now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		st: &state{
			tickets:  map[string]domain.Ticket{},
			slas:     map[string]domain.SLARecord{},
			profiles: map[string]domain.Profile{},
			groups:   map[string]domain.Group{},
			members:  map[string][]string{},
		},
		now:      now,
		failures: map[string]error{},
	}
}

// FailOn makes the operation op fail with err whenever it is called for key.
// Operation names are "<repository>.<method>", e.g. "tickets.transition".
func (s *Store) FailOn(op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op+"|"+key] = err
}

func (s *Store) fail(op, key string) error {
	return s.failures[op+"|"+key]
}

// OnNextTx runs fn once, right before the next transaction begins. It lets a
// test interleave a concurrent writer between a caller's reads and its
// transaction; fn may itself run transactions.
func (s *Store) OnNextTx(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeTx = append(s.beforeTx, fn)
}

func (s *Store) Tickets() repository.TicketRepository         { return ticketRepo{s} }
func (s *Store) SLAs() repository.SLARepository               { return slaRepo{s} }
func (s *Store) Escalations() repository.EscalationRepository { return escalationRepo{s} }
func (s *Store) Ledger() repository.LedgerRepository          { return ledgerRepo{s} }
func (s *Store) Comments() repository.CommentRepository       { return commentRepo{s} }
func (s *Store) Profiles() repository.ProfileRepository       { return profileRepo{s} }
func (s *Store) Groups() repository.GroupRepository           { return groupRepo{s} }

// WithTx serialises transactions and restores the pre-transaction state when
// fn fails.
func (s *Store) WithTx(_ context.Context, fn func(repository.Stores) error) error {
	s.mu.Lock()
	hooks := s.beforeTx
	s.beforeTx = nil
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

type ticketRepo struct{ s *Store }

func (r ticketRepo) Create(_ context.Context, ticket *domain.Ticket) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("tickets.create", ticket.Title); err != nil {
		return err
	}
	r.s.insertTicket(ticket)
	return nil
}

func (s *Store) insertTicket(ticket *domain.Ticket) {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	s.st.seq++
	if ticket.Number == "" {
		ticket.Number = domain.FormatTicketNumber(s.st.seq)
	}
	now := s.now()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	if ticket.UpdatedAt.IsZero() {
		ticket.UpdatedAt = ticket.CreatedAt
	}
	s.st.tickets[ticket.ID] = *ticket
}

func (r ticketRepo) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.st.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

func (r ticketRepo) GetByNumber(_ context.Context, number string) (*domain.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.st.tickets {
		if strings.EqualFold(t.Number, number) {
			found := t
			return &found, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r ticketRepo) ListResolvedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("tickets.list_resolved", ""); err != nil {
		return nil, err
	}
	var result []domain.Ticket
	for _, t := range r.s.st.tickets {
		if t.Status == domain.TicketStatusResolved && t.ResolvedAt != nil && !t.ResolvedAt.After(cutoff) {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ResolvedAt.Before(*result[j].ResolvedAt) })
	return truncate(result, limit), nil
}

func (r ticketRepo) ListPendingIdleSince(_ context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []domain.Ticket
	for _, t := range r.s.st.tickets {
		if t.Status != domain.TicketStatusPending || t.UpdatedAt.After(cutoff) {
			continue
		}
		if sla, ok := r.s.st.slas[t.ID]; ok && sla.ResolvedAt != nil {
			continue
		}
		result = append(result, t)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return truncate(result, limit), nil
}

func (r ticketRepo) ListEscalationCandidates(_ context.Context, limit int) ([]domain.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	hasWorkflow := map[string]bool{}
	for _, wf := range r.s.st.workflows {
		hasWorkflow[wf.TicketID] = true
	}
	type candidate struct {
		ticket domain.Ticket
		at     time.Time
	}
	var found []candidate
	for id, sla := range r.s.st.slas {
		if !sla.ResolutionBreached || hasWorkflow[id] {
			continue
		}
		t, ok := r.s.st.tickets[id]
		if !ok {
			continue
		}
		c := candidate{ticket: t}
		if sla.ResolutionBreachedAt != nil {
			c.at = *sla.ResolutionBreachedAt
		}
		found = append(found, c)
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	result := make([]domain.Ticket, 0, len(found))
	for _, c := range found {
		result = append(result, c.ticket)
	}
	return truncate(result, limit), nil
}

func (r ticketRepo) TransitionStatus(_ context.Context, id string, from, to domain.TicketStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("tickets.transition", id); err != nil {
		return false, err
	}
	t, ok := r.s.st.tickets[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = at
	if to == domain.TicketStatusClosed {
		closedAt := at
		t.ClosedAt = &closedAt
	}
	r.s.st.tickets[id] = t
	return true, nil
}

type slaRepo struct{ s *Store }

func (r slaRepo) ListBreachCandidates(_ context.Context, now time.Time, limit int) ([]domain.SLARecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("slas.list_breaches", ""); err != nil {
		return nil, err
	}
	var result []domain.SLARecord
	for _, rec := range r.s.st.slas {
		if rec.FirstResponseOverdue(now) || rec.ResolutionOverdue(now) {
			result = append(result, rec)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return earliestDue(result[i]).Before(earliestDue(result[j])) })
	return truncate(result, limit), nil
}

func earliestDue(rec domain.SLARecord) time.Time {
	var due time.Time
	for _, t := range []*time.Time{rec.FirstResponseDueAt, rec.ResolutionDueAt} {
		if t != nil && (due.IsZero() || t.Before(due)) {
			due = *t
		}
	}
	return due
}

func (r slaRepo) MarkFirstResponseBreached(_ context.Context, ticketID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("slas.mark_first_response", ticketID); err != nil {
		return false, err
	}
	rec, ok := r.s.st.slas[ticketID]
	if !ok || rec.FirstResponseBreached || rec.FirstResponseAt != nil {
		return false, nil
	}
	rec.FirstResponseBreached = true
	rec.FirstResponseBreachedAt = &at
	r.s.st.slas[ticketID] = rec
	return true, nil
}

func (r slaRepo) MarkResolutionBreached(_ context.Context, ticketID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("slas.mark_resolution", ticketID); err != nil {
		return false, err
	}
	rec, ok := r.s.st.slas[ticketID]
	if !ok || rec.ResolutionBreached || rec.ResolvedAt != nil {
		return false, nil
	}
	rec.ResolutionBreached = true
	rec.ResolutionBreachedAt = &at
	r.s.st.slas[ticketID] = rec
	return true, nil
}

type escalationRepo struct{ s *Store }

func (r escalationRepo) ListActivePolicies(_ context.Context) ([]domain.EscalationPolicy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("escalations.list_policies", ""); err != nil {
		return nil, err
	}
	var result []domain.EscalationPolicy
	for _, p := range r.s.st.policies {
		if p.IsActive {
			result = append(result, p)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Priority < result[j].Priority })
	return result, nil
}

func (r escalationRepo) GetStep(_ context.Context, policyID string, stepOrder int) (*domain.EscalationStep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("escalations.get_step", policyID); err != nil {
		return nil, err
	}
	for _, step := range r.s.st.steps {
		if step.PolicyID == policyID && step.StepOrder == stepOrder {
			found := step
			return &found, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r escalationRepo) HasOpenWorkflow(_ context.Context, ticketID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.openWorkflow(ticketID) >= 0, nil
}

func (s *Store) openWorkflow(ticketID string) int {
	for i, wf := range s.st.workflows {
		if wf.TicketID == ticketID && wf.Status != domain.WorkflowStatusCompleted {
			return i
		}
	}
	return -1
}

func (s *Store) workflowIndex(id string) int {
	for i, wf := range s.st.workflows {
		if wf.ID == id {
			return i
		}
	}
	return -1
}

func (r escalationRepo) CreateWorkflow(_ context.Context, wf *domain.EscalationWorkflow) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("escalations.create_workflow", wf.TicketID); err != nil {
		return false, err
	}
	if r.s.openWorkflow(wf.TicketID) >= 0 {
		return false, nil
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := r.s.now()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	r.s.st.workflows = append(r.s.st.workflows, *wf)
	return true, nil
}

func (r escalationRepo) ListDueWorkflows(_ context.Context, now time.Time, limit int) ([]domain.EscalationWorkflow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []domain.EscalationWorkflow
	for _, wf := range r.s.st.workflows {
		if wf.Due(now) {
			result = append(result, wf)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].NextRunAt, result[j].NextRunAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	return truncate(result, limit), nil
}

func (r escalationRepo) AdvanceWorkflow(_ context.Context, id string, fromStep, toStep int, nextRunAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("escalations.advance", id); err != nil {
		return false, err
	}
	i := r.s.workflowIndex(id)
	if i < 0 {
		return false, nil
	}
	wf := &r.s.st.workflows[i]
	if wf.Status != domain.WorkflowStatusOpen || wf.CurrentStep != fromStep || toStep <= wf.CurrentStep {
		return false, nil
	}
	wf.CurrentStep = toStep
	wf.NextRunAt = &nextRunAt
	wf.UpdatedAt = r.s.now()
	return true, nil
}

func (r escalationRepo) RearmWorkflow(_ context.Context, id string, nextRunAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i := r.s.workflowIndex(id)
	if i < 0 || r.s.st.workflows[i].Status != domain.WorkflowStatusOpen {
		return nil
	}
	r.s.st.workflows[i].NextRunAt = &nextRunAt
	r.s.st.workflows[i].UpdatedAt = r.s.now()
	return nil
}

func (r escalationRepo) CompleteWorkflow(_ context.Context, id string, finalStep int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("escalations.complete", id); err != nil {
		return false, err
	}
	i := r.s.workflowIndex(id)
	if i < 0 {
		return false, nil
	}
	wf := &r.s.st.workflows[i]
	if wf.Status != domain.WorkflowStatusOpen {
		return false, nil
	}
	wf.Status = domain.WorkflowStatusCompleted
	if finalStep > wf.CurrentStep {
		wf.CurrentStep = finalStep
	}
	wf.NextRunAt = nil
	wf.UpdatedAt = r.s.now()
	return true, nil
}

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) AppendOnce(_ context.Context, entry *events.Entry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("ledger.append", string(entry.Type)); err != nil {
		return false, err
	}
	if entry.DedupKey != nil && r.s.hasEntry(entry.Type, *entry.DedupKey) {
		return false, nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = r.s.now()
	r.s.st.ledger = append(r.s.st.ledger, *entry)
	return true, nil
}

func (s *Store) hasEntry(eventType events.EventType, key string) bool {
	for _, e := range s.st.ledger {
		if e.Type == eventType && e.DedupKey != nil && *e.DedupKey == key {
			return true
		}
	}
	return false
}

func (r ledgerRepo) Exists(_ context.Context, eventType events.EventType, dedupKey string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.hasEntry(eventType, dedupKey), nil
}

func (r ledgerRepo) FindTicketByConversation(_ context.Context, conversationID string) (string, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.st.ledger) - 1; i >= 0; i-- {
		e := r.s.st.ledger[i]
		if e.Type != events.EventEmailIngested {
			continue
		}
		p, err := e.Decode()
		if err != nil {
			return "", false, fmt.Errorf("decode ledger entry %s: %w", e.ID, err)
		}
		if p.(*events.EmailIngestedPayload).ConversationID == conversationID {
			return e.SubjectID, true, nil
		}
	}
	return "", false, nil
}

type commentRepo struct{ s *Store }

func (r commentRepo) Create(_ context.Context, comment *domain.Comment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("comments.create", comment.TicketID); err != nil {
		return err
	}
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	comment.CreatedAt = r.s.now()
	r.s.st.comments = append(r.s.st.comments, *comment)
	return nil
}

func (r commentRepo) HasRequesterReplySince(_ context.Context, ticket domain.Ticket, since time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.st.comments {
		if c.TicketID != ticket.ID || c.IsInternal || !c.CreatedAt.After(since) {
			continue
		}
		if c.AuthorType == domain.AuthorTypeRequester {
			return true, nil
		}
		if ticket.RequesterID != nil && c.AuthorID != nil && *c.AuthorID == *ticket.RequesterID {
			return true, nil
		}
		if ticket.RequesterEmail != nil && c.AuthorEmail != nil && strings.EqualFold(*c.AuthorEmail, *ticket.RequesterEmail) {
			return true, nil
		}
	}
	return false, nil
}

type profileRepo struct{ s *Store }

func (r profileRepo) GetByID(_ context.Context, id string) (*domain.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.st.profiles[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &p, nil
}

func (r profileRepo) GetByEmail(_ context.Context, email string) (*domain.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.st.profiles {
		if strings.EqualFold(p.Email, email) {
			found := p
			return &found, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type groupRepo struct{ s *Store }

func (r groupRepo) GetByID(_ context.Context, id string) (*domain.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.st.groups[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &g, nil
}

func (r groupRepo) ListMemberEmails(_ context.Context, groupID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []string
	for _, id := range r.s.st.members[groupID] {
		p, ok := r.s.st.profiles[id]
		if ok && p.IsActive && p.Email != "" {
			result = append(result, p.Email)
		}
	}
	sort.Strings(result)
	return result, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
