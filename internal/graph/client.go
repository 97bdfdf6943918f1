// Package graph fetches inbound messages from the Microsoft Graph mail API
// after a change notification.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/spec-kit/ticket-automation/internal/config"
	"github.com/spec-kit/ticket-automation/internal/domain"
)

const graphScope = "https://graph.microsoft.com/.default"

// ErrMessageNotFound is returned when the provider no longer has the message.
var ErrMessageNotFound = errors.New("message not found")

// Client reads messages of one mailbox.
type Client struct {
	baseURL    string
	mailbox    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient authenticates with the OAuth2 client-credentials flow. The token
// source caches and refreshes tokens on its own.
func NewClient(ctx context.Context, cfg config.GraphConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("graph credentials are not configured")
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL(),
		Scopes:       []string{graphScope},
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = 15 * time.Second
	return NewClientWithHTTP(cfg.BaseURL, cfg.Mailbox, httpClient, logger), nil
}

// NewClientWithHTTP uses an already authenticated http.Client.
func NewClientWithHTTP(baseURL, mailbox string, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		mailbox:    mailbox,
		httpClient: httpClient,
		logger:     logger.Named("graph"),
	}
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type message struct {
	ID                string      `json:"id"`
	InternetMessageID string      `json:"internetMessageId"`
	ConversationID    string      `json:"conversationId"`
	Subject           string      `json:"subject"`
	ReceivedDateTime  time.Time   `json:"receivedDateTime"`
	From              *recipient  `json:"from"`
	ToRecipients      []recipient `json:"toRecipients"`
	CcRecipients      []recipient `json:"ccRecipients"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

const messageFields = "id,internetMessageId,conversationId,subject,body,from,toRecipients,ccRecipients,receivedDateTime"

// FetchMessage loads one message by provider id.
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*domain.InboundMessage, error) {
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s?$select=%s",
		c.baseURL, url.PathEscape(c.mailbox), url.PathEscape(messageID), messageFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create message request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrMessageNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("graph returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var m message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m.toDomain(), nil
}

func (m message) toDomain() *domain.InboundMessage {
	msg := &domain.InboundMessage{
		ProviderID:        m.ID,
		InternetMessageID: m.InternetMessageID,
		ConversationID:    m.ConversationID,
		Subject:           m.Subject,
		Body:              m.Body.Content,
		BodyIsHTML:        strings.EqualFold(m.Body.ContentType, "html"),
		ReceivedAt:        m.ReceivedDateTime,
	}
	if m.From != nil {
		msg.FromAddress = strings.TrimSpace(m.From.EmailAddress.Address)
		msg.FromName = strings.TrimSpace(m.From.EmailAddress.Name)
	}
	for _, r := range append(append([]recipient{}, m.ToRecipients...), m.CcRecipients...) {
		if addr := strings.TrimSpace(r.EmailAddress.Address); addr != "" {
			msg.Recipients = append(msg.Recipients, addr)
		}
	}
	return msg
}
