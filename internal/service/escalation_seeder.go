package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

const componentEscalationSeeder = "escalation_seeder"

// EscalationSeedResult summarises one seeding pass.
type EscalationSeedResult struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// EscalationSeeder opens an escalation workflow for every resolution-breached
// ticket that has never had one.
type EscalationSeeder struct {
	deps Dependencies
}

// NewEscalationSeeder builds the seeder.
func NewEscalationSeeder(deps Dependencies) *EscalationSeeder {
	return &EscalationSeeder{deps: deps.normalized(componentEscalationSeeder)}
}

// Seed creates workflows for up to limit candidate tickets. Tickets without a
// matching policy still get a workflow, which the advancer completes.
func (s *EscalationSeeder) Seed(ctx context.Context, limit int) (EscalationSeedResult, error) {
	var result EscalationSeedResult

	policies, err := s.deps.Store.Escalations().ListActivePolicies(ctx)
	if err != nil {
		return result, fmt.Errorf("list escalation policies: %w", err)
	}
	tickets, err := s.deps.Store.Tickets().ListEscalationCandidates(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("list escalation candidates: %w", err)
	}
	result.Scanned = len(tickets)

	for _, ticket := range tickets {
		created, err := s.seed(ctx, ticket, policies)
		switch {
		case err != nil:
			result.Failed++
			s.deps.Logger.Warn("escalation seed failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		case created:
			result.Created++
		default:
			result.Skipped++
		}
	}

	s.deps.Metrics.RecordRows(componentEscalationSeeder, "created", result.Created)
	s.deps.Metrics.RecordRows(componentEscalationSeeder, "skipped", result.Skipped)
	s.deps.Metrics.RecordRows(componentEscalationSeeder, "failed", result.Failed)
	s.deps.Logger.Info("escalation seeding finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *EscalationSeeder) seed(ctx context.Context, ticket domain.Ticket, policies []domain.EscalationPolicy) (bool, error) {
	open, err := s.deps.Store.Escalations().HasOpenWorkflow(ctx, ticket.ID)
	if err != nil {
		return false, fmt.Errorf("check open workflow: %w", err)
	}
	if open {
		return false, nil
	}

	now := s.deps.Now()
	wf := domain.EscalationWorkflow{
		ID:          uuid.NewString(),
		TicketID:    ticket.ID,
		Status:      domain.WorkflowStatusOpen,
		CurrentStep: 0,
		NextRunAt:   &now,
	}
	if policy := domain.MatchPolicy(policies, ticket); policy != nil {
		policyID := policy.ID
		wf.PolicyID = &policyID
	}

	var entry *events.Entry
	err = s.deps.Store.WithTx(ctx, func(tx repository.Stores) error {
		created, err := tx.Escalations().CreateWorkflow(ctx, &wf)
		if err != nil {
			return fmt.Errorf("create workflow: %w", err)
		}
		if !created {
			return errNoop
		}
		entry, _, err = appendEvent(ctx, tx, wf.ID, events.EscalationCreatedPayload{TicketID: ticket.ID, PolicyID: wf.PolicyID})
		return err
	})
	if errors.Is(err, errNoop) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.deps.publish(ctx, entry)
	return true, nil
}
