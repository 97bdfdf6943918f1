package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/config"
)

func TestFetchMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/support@example.com/messages/AAMk1", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("$select"), "internetMessageId")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "AAMk1",
			"internetMessageId": "<abc@mail.example.com>",
			"conversationId": "conv-1",
			"subject": "Re: [TKT-000123] printer",
			"receivedDateTime": "2024-03-01T10:00:00Z",
			"from": {"emailAddress": {"address": "ada@example.com", "name": "Ada"}},
			"toRecipients": [{"emailAddress": {"address": "support+TKT-000123@example.com"}}],
			"ccRecipients": [{"emailAddress": {"address": "boss@example.com"}}],
			"body": {"contentType": "html", "content": "<p>still broken</p>"}
		}`))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.URL+"/", "support@example.com", srv.Client(), zap.NewNop())
	msg, err := c.FetchMessage(context.Background(), "AAMk1")
	require.NoError(t, err)

	assert.Equal(t, "AAMk1", msg.ProviderID)
	assert.Equal(t, "<abc@mail.example.com>", msg.InternetMessageID)
	assert.Equal(t, "conv-1", msg.ConversationID)
	assert.Equal(t, "ada@example.com", msg.FromAddress)
	assert.Equal(t, "Ada", msg.FromName)
	assert.True(t, msg.BodyIsHTML)
	assert.Equal(t, []string{"support+TKT-000123@example.com", "boss@example.com"}, msg.Recipients)
	assert.Equal(t, 2024, msg.ReceivedAt.Year())
}

func TestFetchMessage_Errors(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":"x"}}`))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.URL, "support@example.com", srv.Client(), nil)
	_, err := c.FetchMessage(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	status = http.StatusServiceUnavailable
	_, err = c.FetchMessage(context.Background(), "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(context.Background(), config.GraphConfig{}, zap.NewNop())
	assert.Error(t, err)
}
