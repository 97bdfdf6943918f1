package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-automation/internal/domain"
)

// EscalationRepository reads policies and steps and drives workflow rows.
type EscalationRepository interface {
	ListActivePolicies(ctx context.Context) ([]domain.EscalationPolicy, error)
	GetStep(ctx context.Context, policyID string, stepOrder int) (*domain.EscalationStep, error)
	HasOpenWorkflow(ctx context.Context, ticketID string) (bool, error)
	CreateWorkflow(ctx context.Context, wf *domain.EscalationWorkflow) (bool, error)
	ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]domain.EscalationWorkflow, error)
	AdvanceWorkflow(ctx context.Context, id string, fromStep, toStep int, nextRunAt time.Time) (bool, error)
	RearmWorkflow(ctx context.Context, id string, nextRunAt time.Time) error
	CompleteWorkflow(ctx context.Context, id string, finalStep int) (bool, error)
}

type escalationRepository struct {
	db DBTX
}

func (r *escalationRepository) ListActivePolicies(ctx context.Context) ([]domain.EscalationPolicy, error) {
	const query = `
        SELECT id, name, priority, is_active, ticket_type, assignment_group_id, created_at, updated_at
        FROM escalation_policies
        WHERE is_active = TRUE
        ORDER BY priority ASC, created_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.EscalationPolicy
	for rows.Next() {
		var p domain.EscalationPolicy
		if err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.Priority,
			&p.IsActive,
			&p.TicketType,
			&p.AssignmentGroupID,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *escalationRepository) GetStep(ctx context.Context, policyID string, stepOrder int) (*domain.EscalationStep, error) {
	const query = `
        SELECT id, policy_id, step_order, delay_minutes, notify_target_type, notify_target_id, channel
        FROM escalation_steps
        WHERE policy_id = $1 AND step_order = $2`
	var step domain.EscalationStep
	if err := r.db.QueryRow(ctx, query, policyID, stepOrder).Scan(
		&step.ID,
		&step.PolicyID,
		&step.StepOrder,
		&step.DelayMinutes,
		&step.NotifyTargetType,
		&step.NotifyTargetID,
		&step.Channel,
	); err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *escalationRepository) HasOpenWorkflow(ctx context.Context, ticketID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM escalation_workflows WHERE ticket_id = $1 AND status <> 'completed')`
	var exists bool
	err := r.db.QueryRow(ctx, query, ticketID).Scan(&exists)
	return exists, err
}

// CreateWorkflow inserts the workflow unless the ticket already has an open
// one; the partial unique index on (ticket_id) decides races.
func (r *escalationRepository) CreateWorkflow(ctx context.Context, wf *domain.EscalationWorkflow) (bool, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO escalation_workflows (id, ticket_id, policy_id, status, current_step, next_run_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (ticket_id) WHERE status <> 'completed' DO NOTHING
        RETURNING created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		wf.ID,
		wf.TicketID,
		wf.PolicyID,
		wf.Status,
		wf.CurrentStep,
		wf.NextRunAt,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *escalationRepository) ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]domain.EscalationWorkflow, error) {
	const query = `
        SELECT id, ticket_id, policy_id, status, current_step, next_run_at, created_at, updated_at
        FROM escalation_workflows
        WHERE status = 'open' AND (next_run_at IS NULL OR next_run_at <= $1)
        ORDER BY next_run_at ASC NULLS FIRST
        LIMIT $2`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.EscalationWorkflow
	for rows.Next() {
		var wf domain.EscalationWorkflow
		if err := rows.Scan(
			&wf.ID,
			&wf.TicketID,
			&wf.PolicyID,
			&wf.Status,
			&wf.CurrentStep,
			&wf.NextRunAt,
			&wf.CreatedAt,
			&wf.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// AdvanceWorkflow moves current_step forward only from the expected step.
func (r *escalationRepository) AdvanceWorkflow(ctx context.Context, id string, fromStep, toStep int, nextRunAt time.Time) (bool, error) {
	const query = `
        UPDATE escalation_workflows
        SET current_step = $3, next_run_at = $4, updated_at = NOW()
        WHERE id = $1 AND status = 'open' AND current_step = $2 AND $3 > current_step`
	cmd, err := r.db.Exec(ctx, query, id, fromStep, toStep, nextRunAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *escalationRepository) RearmWorkflow(ctx context.Context, id string, nextRunAt time.Time) error {
	const query = `
        UPDATE escalation_workflows SET next_run_at = $2, updated_at = NOW()
        WHERE id = $1 AND status = 'open'`
	_, err := r.db.Exec(ctx, query, id, nextRunAt)
	return err
}

// CompleteWorkflow closes an open workflow. current_step never decreases.
func (r *escalationRepository) CompleteWorkflow(ctx context.Context, id string, finalStep int) (bool, error) {
	const query = `
        UPDATE escalation_workflows
        SET status = 'completed', current_step = GREATEST(current_step, $2), next_run_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = 'open'`
	cmd, err := r.db.Exec(ctx, query, id, finalStep)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}
