package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/config"
	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/mail"
	"github.com/spec-kit/ticket-automation/internal/repository/memory"
)

func TestNotificationService_DeliversStepEmails(t *testing.T) {
	store := memory.New(fixedClock)
	lead := store.AddProfile(domain.Profile{FullName: "Lead", Email: "lead@example.com", IsActive: true})
	m1 := store.AddProfile(domain.Profile{FullName: "One", Email: "one@example.com", IsActive: true})
	m2 := store.AddProfile(domain.Profile{FullName: "Two", Email: "two@example.com", IsActive: true})
	gone := store.AddProfile(domain.Profile{FullName: "Gone", Email: "gone@example.com", IsActive: false})
	group := store.AddGroup(domain.Group{Name: "tier 2", IsActive: true}, m1.ID, m2.ID, gone.ID)

	_, wf := seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: lead.ID, Channel: "email"},
		domain.EscalationStep{StepOrder: 2, NotifyTargetType: domain.NotifyTargetGroup, NotifyTargetID: group.ID, Channel: "email"},
	)

	deps := newTestDeps(store)
	sender := &recordingSender{}
	composer := mail.NewComposer(config.MailConfig{From: "support@example.com"})
	NewNotificationService(deps.Dispatcher, store, sender, composer, deps.Metrics, zap.NewNop()).RegisterHandlers()

	advancer := NewEscalationAdvancer(deps)
	_, err := advancer.Advance(context.Background(), 100)
	require.NoError(t, err)
	_, err = advancer.Advance(context.Background(), 100)
	require.NoError(t, err)

	msgs := sender.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"lead@example.com"}, msgs[0].To)
	assert.Contains(t, msgs[0].Subject, "Escalation step 1")
	assert.Equal(t, []string{"one@example.com", "two@example.com"}, msgs[1].To)
	assert.Contains(t, msgs[1].Subject, "Escalation step 2")

	got, _ := store.Workflow(wf.ID)
	assert.Equal(t, 2, got.CurrentStep)
}

func TestNotificationService_NonEmailChannelIsNotMailed(t *testing.T) {
	store := memory.New(fixedClock)
	lead := store.AddProfile(domain.Profile{Email: "lead@example.com", IsActive: true})
	seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: lead.ID, Channel: "sms"},
	)

	deps := newTestDeps(store)
	sender := &recordingSender{}
	NewNotificationService(deps.Dispatcher, store, sender, mail.NewComposer(config.MailConfig{}), deps.Metrics, nil).RegisterHandlers()

	result, err := NewEscalationAdvancer(deps).Advance(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Advanced)
	assert.Empty(t, sender.Messages())
}

func TestNotificationService_MissingTargetSkipsDelivery(t *testing.T) {
	store := memory.New(fixedClock)
	seedWorkflow(store,
		domain.EscalationStep{StepOrder: 1, NotifyTargetType: domain.NotifyTargetUser, NotifyTargetID: "nobody", Channel: "email"},
	)

	deps := newTestDeps(store)
	sender := &recordingSender{}
	NewNotificationService(deps.Dispatcher, store, sender, mail.NewComposer(config.MailConfig{}), deps.Metrics, nil).RegisterHandlers()

	result, err := NewEscalationAdvancer(deps).Advance(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Advanced)
	assert.Empty(t, sender.Messages())
}
