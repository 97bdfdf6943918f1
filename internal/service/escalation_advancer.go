package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

const componentEscalationAdvancer = "escalation_advancer"

// Reasons recorded on escalation_completed.
const (
	CompletedNoPolicy       = "no_policy"
	CompletedStepsExhausted = "steps_exhausted"
)

// EscalationAdvanceResult summarises one advancing pass.
type EscalationAdvanceResult struct {
	Scanned   int `json:"scanned"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Rearmed   int `json:"rearmed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type advanceOutcome int

const (
	outcomeAdvanced advanceOutcome = iota
	outcomeCompleted
	outcomeRearmed
	outcomeSkipped
)

// EscalationAdvancer moves due workflows one step forward.
type EscalationAdvancer struct {
	deps Dependencies
}

// NewEscalationAdvancer builds the advancer.
func NewEscalationAdvancer(deps Dependencies) *EscalationAdvancer {
	return &EscalationAdvancer{deps: deps.normalized(componentEscalationAdvancer)}
}

// Advance processes up to limit due workflows. A step notification is recorded
// at most once per (workflow, step) and current_step only grows.
func (a *EscalationAdvancer) Advance(ctx context.Context, limit int) (EscalationAdvanceResult, error) {
	var result EscalationAdvanceResult

	workflows, err := a.deps.Store.Escalations().ListDueWorkflows(ctx, a.deps.Now(), limit)
	if err != nil {
		return result, fmt.Errorf("list due workflows: %w", err)
	}
	result.Scanned = len(workflows)

	for _, wf := range workflows {
		outcome, err := a.advance(ctx, wf)
		if err != nil {
			result.Failed++
			a.deps.Logger.Warn("escalation advance failed",
				zap.String("workflow_id", wf.ID),
				zap.String("ticket_id", wf.TicketID),
				zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeAdvanced:
			result.Advanced++
		case outcomeCompleted:
			result.Completed++
		case outcomeRearmed:
			result.Rearmed++
		case outcomeSkipped:
			result.Skipped++
		}
	}

	a.deps.Metrics.RecordRows(componentEscalationAdvancer, "advanced", result.Advanced)
	a.deps.Metrics.RecordRows(componentEscalationAdvancer, "completed", result.Completed)
	a.deps.Metrics.RecordRows(componentEscalationAdvancer, "rearmed", result.Rearmed)
	a.deps.Metrics.RecordRows(componentEscalationAdvancer, "skipped", result.Skipped)
	a.deps.Metrics.RecordRows(componentEscalationAdvancer, "failed", result.Failed)
	a.deps.Logger.Info("escalation advance finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("advanced", result.Advanced),
		zap.Int("completed", result.Completed),
		zap.Int("rearmed", result.Rearmed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (a *EscalationAdvancer) advance(ctx context.Context, wf domain.EscalationWorkflow) (advanceOutcome, error) {
	if wf.PolicyID == nil {
		return a.complete(ctx, wf, wf.CurrentStep, CompletedNoPolicy)
	}

	target := wf.CurrentStep + 1
	step, err := a.deps.Store.Escalations().GetStep(ctx, *wf.PolicyID, target)
	if errors.Is(err, pgx.ErrNoRows) {
		return a.complete(ctx, wf, target, CompletedStepsExhausted)
	}
	if err != nil {
		return 0, fmt.Errorf("load step %d: %w", target, err)
	}

	now := a.deps.Now()
	nextRunAt := now.Add(step.Delay())

	executed, err := a.deps.Store.Ledger().Exists(ctx, events.EventStepExecuted, events.StepDedupKey(wf.ID, target))
	if err != nil {
		return 0, fmt.Errorf("check step ledger: %w", err)
	}
	if executed {
		if err := a.deps.Store.Escalations().RearmWorkflow(ctx, wf.ID, nextRunAt); err != nil {
			return 0, fmt.Errorf("rearm workflow: %w", err)
		}
		return outcomeRearmed, nil
	}

	payload := events.StepExecutedPayload{
		TicketID:         wf.TicketID,
		PolicyID:         *wf.PolicyID,
		StepOrder:        target,
		NotifyTargetType: step.NotifyTargetType,
		NotifyTargetID:   step.NotifyTargetID,
		Channel:          step.Channel,
		DelayMinutes:     step.DelayMinutes,
	}
	var entry *events.Entry
	err = a.deps.Store.WithTx(ctx, func(tx repository.Stores) error {
		var inserted bool
		var err error
		entry, inserted, err = appendEvent(ctx, tx, wf.ID, payload)
		if err != nil {
			return err
		}
		if !inserted {
			return errNoop
		}
		moved, err := tx.Escalations().AdvanceWorkflow(ctx, wf.ID, wf.CurrentStep, target, nextRunAt)
		if err != nil {
			return fmt.Errorf("advance workflow: %w", err)
		}
		if !moved {
			return errNoop
		}
		return nil
	})
	if errors.Is(err, errNoop) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return 0, err
	}
	a.deps.publish(ctx, entry)
	return outcomeAdvanced, nil
}

func (a *EscalationAdvancer) complete(ctx context.Context, wf domain.EscalationWorkflow, finalStep int, reason string) (advanceOutcome, error) {
	var entry *events.Entry
	err := a.deps.Store.WithTx(ctx, func(tx repository.Stores) error {
		done, err := tx.Escalations().CompleteWorkflow(ctx, wf.ID, finalStep)
		if err != nil {
			return fmt.Errorf("complete workflow: %w", err)
		}
		if !done {
			return errNoop
		}
		entry, _, err = appendEvent(ctx, tx, wf.ID, events.EscalationCompletedPayload{
			TicketID:  wf.TicketID,
			FinalStep: finalStep,
			Reason:    reason,
		})
		return err
	})
	if errors.Is(err, errNoop) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return 0, err
	}
	a.deps.publish(ctx, entry)
	return outcomeCompleted, nil
}
