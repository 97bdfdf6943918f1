package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/repository/memory"
)

func breachedTicket(store *memory.Store, ticket domain.Ticket) domain.Ticket {
	ticket.Status = domain.TicketStatusOpen
	t := store.AddTicket(ticket)
	store.AddSLA(domain.SLARecord{
		TicketID:             t.ID,
		ResolutionDueAt:      ago(2 * time.Hour),
		ResolutionBreached:   true,
		ResolutionBreachedAt: ago(time.Hour),
	})
	return t
}

func TestEscalationSeeder_MatchesPolicyByPriority(t *testing.T) {
	store := memory.New(fixedClock)
	store.AddPolicy(domain.EscalationPolicy{Name: "catch-all", Priority: 100, IsActive: true})
	network := store.AddPolicy(domain.EscalationPolicy{Name: "network", Priority: 10, IsActive: true, TicketType: ptr("network")})
	store.AddPolicy(domain.EscalationPolicy{Name: "disabled", Priority: 1, IsActive: false})
	ticket := breachedTicket(store, domain.Ticket{Title: "vpn down", Type: ptr("network")})

	result, err := NewEscalationSeeder(newTestDeps(store)).Seed(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, EscalationSeedResult{Scanned: 1, Created: 1}, result)

	workflows := store.Workflows(ticket.ID)
	require.Len(t, workflows, 1)
	wf := workflows[0]
	assert.Equal(t, domain.WorkflowStatusOpen, wf.Status)
	assert.Zero(t, wf.CurrentStep)
	require.NotNil(t, wf.PolicyID)
	assert.Equal(t, network.ID, *wf.PolicyID)
	require.NotNil(t, wf.NextRunAt)
	assert.Equal(t, testNow, *wf.NextRunAt)

	created := store.Entries(events.EventEscalationCreated)
	require.Len(t, created, 1)
	assert.Equal(t, wf.ID, created[0].SubjectID)
}

func TestEscalationSeeder_NoPolicyStillSeeds(t *testing.T) {
	store := memory.New(fixedClock)
	ticket := breachedTicket(store, domain.Ticket{Title: "orphan"})

	result, err := NewEscalationSeeder(newTestDeps(store)).Seed(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	workflows := store.Workflows(ticket.ID)
	require.Len(t, workflows, 1)
	assert.Nil(t, workflows[0].PolicyID)
}

func TestEscalationSeeder_Idempotent(t *testing.T) {
	store := memory.New(fixedClock)
	ticket := breachedTicket(store, domain.Ticket{Title: "twice"})
	seeder := NewEscalationSeeder(newTestDeps(store))

	_, err := seeder.Seed(context.Background(), 100)
	require.NoError(t, err)
	again, err := seeder.Seed(context.Background(), 100)
	require.NoError(t, err)

	assert.Zero(t, again.Created)
	assert.Len(t, store.Workflows(ticket.ID), 1)
	assert.Len(t, store.Entries(events.EventEscalationCreated), 1)
}

func TestEscalationSeeder_CompletedWorkflowIsNotReseeded(t *testing.T) {
	store := memory.New(fixedClock)
	ticket := breachedTicket(store, domain.Ticket{Title: "done before"})
	store.AddWorkflow(domain.EscalationWorkflow{TicketID: ticket.ID, Status: domain.WorkflowStatusCompleted, CurrentStep: 2})

	result, err := NewEscalationSeeder(newTestDeps(store)).Seed(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
	assert.Len(t, store.Workflows(ticket.ID), 1)
}

func TestEscalationSeeder_FailureRollsBack(t *testing.T) {
	store := memory.New(fixedClock)
	ticket := breachedTicket(store, domain.Ticket{Title: "rollback"})
	store.FailOn("ledger.append", string(events.EventEscalationCreated), errStoreDown)

	result, err := NewEscalationSeeder(newTestDeps(store)).Seed(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, store.Workflows(ticket.ID))
}

func TestEscalationSeeder_PolicyLookupFailureIsComponentError(t *testing.T) {
	store := memory.New(fixedClock)
	store.FailOn("escalations.list_policies", "", errStoreDown)

	_, err := NewEscalationSeeder(newTestDeps(store)).Seed(context.Background(), 100)
	assert.ErrorIs(t, err, errStoreDown)
}

func seedWorkflow(store *memory.Store, steps ...domain.EscalationStep) (domain.EscalationPolicy, domain.EscalationWorkflow) {
	policy := store.AddPolicy(domain.EscalationPolicy{Name: "standard", Priority: 1, IsActive: true}, steps...)
	ticket := store.AddTicket(domain.Ticket{Title: "escalated", Status: domain.TicketStatusOpen})
	wf := store.AddWorkflow(domain.EscalationWorkflow{
		TicketID:  ticket.ID,
		PolicyID:  &policy.ID,
		Status:    domain.WorkflowStatusOpen,
		NextRunAt: ago(time.Minute),
	})
	return policy, wf
}

func TestEscalationAdvancer_WalksStepsThenCompletes(t *testing.T) {
	store := memory.New(fixedClock)
	_, wf := seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, DelayMinutes: 30, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: "u1", Channel: "email"},
		domain.EscalationStep{StepOrder: 2, DelayMinutes: 60, NotifyTargetType: domain.NotifyTargetGroup, NotifyTargetID: "g1", Channel: "email"},
	)
	ctx := context.Background()

	clock := testNow
	deps := newTestDeps(store)
	deps.Now = func() time.Time { return clock }
	advancer := NewEscalationAdvancer(deps)

	result, err := advancer.Advance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, EscalationAdvanceResult{Scanned: 1, Advanced: 1}, result)

	got, _ := store.Workflow(wf.ID)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, testNow.Add(30*time.Minute), *got.NextRunAt)

	// not due yet
	result, err = advancer.Advance(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)

	clock = testNow.Add(31 * time.Minute)
	result, err = advancer.Advance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Advanced)
	got, _ = store.Workflow(wf.ID)
	assert.Equal(t, 2, got.CurrentStep)

	clock = clock.Add(2 * time.Hour)
	result, err = advancer.Advance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	got, _ = store.Workflow(wf.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStep)
	assert.Nil(t, got.NextRunAt)

	executed := store.Entries(events.EventStepExecuted)
	require.Len(t, executed, 2)
	payload, err := executed[1].Decode()
	require.NoError(t, err)
	step := payload.(*events.StepExecutedPayload)
	assert.Equal(t, 2, step.StepOrder)
	assert.Equal(t, domain.NotifyTargetGroup, step.NotifyTargetType)
	assert.Equal(t, "g1", step.NotifyTargetID)

	completed := store.Entries(events.EventEscalationCompleted)
	require.Len(t, completed, 1)
	payload, err = completed[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, CompletedStepsExhausted, payload.(*events.EscalationCompletedPayload).Reason)
}

func TestEscalationAdvancer_NoPolicyCompletes(t *testing.T) {
	store := memory.New(fixedClock)
	ticket := store.AddTicket(domain.Ticket{Title: "orphan", Status: domain.TicketStatusOpen})
	wf := store.AddWorkflow(domain.EscalationWorkflow{TicketID: ticket.ID, Status: domain.WorkflowStatusOpen})

	result, err := NewEscalationAdvancer(newTestDeps(store)).Advance(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	got, _ := store.Workflow(wf.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.Zero(t, got.CurrentStep)
	assert.Nil(t, got.NextRunAt)
	assert.Empty(t, store.Entries(events.EventStepExecuted))
}

func TestEscalationAdvancer_RecordedStepIsRearmedNotRenotified(t *testing.T) {
	store := memory.New(fixedClock)
	policy, wf := seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, DelayMinutes: 15, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: "u1", Channel: "email"},
	)
	// a previous run recorded the notification but crashed before moving the workflow
	entry, err := events.NewEntry(wf.ID, events.StepExecutedPayload{TicketID: wf.TicketID, PolicyID: policy.ID, StepOrder: 1})
	require.NoError(t, err)
	inserted, err := store.Ledger().AppendOnce(context.Background(), &entry)
	require.NoError(t, err)
	require.True(t, inserted)

	result, err := NewEscalationAdvancer(newTestDeps(store)).Advance(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rearmed)

	got, _ := store.Workflow(wf.ID)
	assert.Zero(t, got.CurrentStep)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, testNow.Add(15*time.Minute), *got.NextRunAt)
	assert.Len(t, store.Entries(events.EventStepExecuted), 1)
}

func TestEscalationAdvancer_FailureKeepsStepUnrecorded(t *testing.T) {
	store := memory.New(fixedClock)
	_, wf := seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: "u1", Channel: "email"},
	)
	store.FailOn("escalations.advance", wf.ID, errStoreDown)

	result, err := NewEscalationAdvancer(newTestDeps(store)).Advance(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, _ := store.Workflow(wf.ID)
	assert.Zero(t, got.CurrentStep)
	assert.Empty(t, store.Entries(events.EventStepExecuted))
}

func TestEscalationAdvancer_PublishesStepExecuted(t *testing.T) {
	store := memory.New(fixedClock)
	_, wf := seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: "u1", Channel: "email"},
	)
	deps := newTestDeps(store)
	var published []events.Entry
	deps.Dispatcher.Subscribe(events.EventStepExecuted, func(_ context.Context, e events.Entry) error {
		published = append(published, e)
		return nil
	})

	_, err := NewEscalationAdvancer(deps).Advance(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, wf.ID, published[0].SubjectID)
	require.NotNil(t, published[0].DedupKey)
	assert.Equal(t, events.StepDedupKey(wf.ID, 1), *published[0].DedupKey)
}

func TestEscalationAdvancer_ConcurrentAdvanceNotifiesOnce(t *testing.T) {
	store := memory.New(fixedClock)
	_, wf := seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: "u1", Channel: "email"},
	)
	ctx := context.Background()
	deps := newTestDeps(store)
	var published []events.Entry
	deps.Dispatcher.Subscribe(events.EventStepExecuted, func(_ context.Context, e events.Entry) error {
		published = append(published, e)
		return nil
	})

	// A second instance advances the same workflow after this run has
	// checked the ledger but before it commits.
	var sibling EscalationAdvanceResult
	store.OnNextTx(func() {
		var err error
		sibling, err = NewEscalationAdvancer(deps).Advance(ctx, 100)
		require.NoError(t, err)
	})

	result, err := NewEscalationAdvancer(deps).Advance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, EscalationAdvanceResult{Scanned: 1, Advanced: 1}, sibling)
	assert.Equal(t, EscalationAdvanceResult{Scanned: 1, Skipped: 1}, result)

	assert.Len(t, store.Entries(events.EventStepExecuted), 1)
	assert.Len(t, published, 1)
	got, _ := store.Workflow(wf.ID)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestEscalationAdvancer_WorkflowGuardMissRollsBackStep(t *testing.T) {
	store := memory.New(fixedClock)
	_, wf := seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: "u1", Channel: "email"},
	)
	ctx := context.Background()
	deps := newTestDeps(store)
	var published []events.Entry
	deps.Dispatcher.Subscribe(events.EventStepExecuted, func(_ context.Context, e events.Entry) error {
		published = append(published, e)
		return nil
	})

	// The workflow is closed elsewhere, so the step append succeeds but
	// the current_step guard does not match.
	store.OnNextTx(func() {
		done, err := store.Escalations().CompleteWorkflow(ctx, wf.ID, 0)
		require.NoError(t, err)
		require.True(t, done)
	})

	result, err := NewEscalationAdvancer(deps).Advance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, EscalationAdvanceResult{Scanned: 1, Skipped: 1}, result)

	assert.Empty(t, store.Entries(events.EventStepExecuted))
	assert.Empty(t, published)
	got, _ := store.Workflow(wf.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
}
