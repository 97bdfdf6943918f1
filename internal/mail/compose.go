package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/spec-kit/ticket-automation/internal/config"
	"github.com/spec-kit/ticket-automation/internal/domain"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var mailTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// Composer renders the messages sent by the automation sweeps.
type Composer struct {
	from      string
	surveyURL string
}

// NewComposer returns a composer sending from the given mailbox.
func NewComposer(cfg config.MailConfig) *Composer {
	return &Composer{from: cfg.From, surveyURL: cfg.SurveyURL}
}

type ticketData struct {
	Number     string
	Title      string
	Name       string
	Status     domain.TicketStatus
	SurveyURL  string
	WindowDays int
	StepOrder  int
}

func (c *Composer) dataFor(t domain.Ticket) ticketData {
	name := "there"
	if t.RequesterName != nil && strings.TrimSpace(*t.RequesterName) != "" {
		name = strings.TrimSpace(*t.RequesterName)
	}
	return ticketData{Number: t.Number, Title: t.Title, Name: name, Status: t.Status}
}

// SatisfactionSurvey asks the requester of a closed ticket to rate the service.
func (c *Composer) SatisfactionSurvey(t domain.Ticket, to string) (Message, error) {
	data := c.dataFor(t)
	data.SurveyURL = c.surveyURL
	subject := fmt.Sprintf("[%s] How did we do?", t.Number)
	return c.render("satisfaction", subject, t, []string{to}, data)
}

// AutoCloseNotice tells the requester a pending ticket was closed for lack of
// response.
func (c *Composer) AutoCloseNotice(t domain.Ticket, to string, windowDays int) (Message, error) {
	data := c.dataFor(t)
	data.WindowDays = windowDays
	subject := fmt.Sprintf("[%s] Closed after no response", t.Number)
	return c.render("auto_close", subject, t, []string{to}, data)
}

// EscalationNotice notifies the target of an escalation step.
func (c *Composer) EscalationNotice(t domain.Ticket, stepOrder int, to []string) (Message, error) {
	data := c.dataFor(t)
	data.StepOrder = stepOrder
	subject := fmt.Sprintf("[%s] Escalation step %d: %s", t.Number, stepOrder, t.Title)
	return c.render("escalation", subject, t, to, data)
}

func (c *Composer) render(name, subject string, t domain.Ticket, to []string, data ticketData) (Message, error) {
	var body bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&body, name+"_body", data); err != nil {
		return Message{}, err
	}
	return Message{
		From:    c.from,
		To:      to,
		ReplyTo: domain.TicketReplyAddress(c.from, t.Number),
		Subject: sanitizeHeader(subject),
		HTML:    body.String(),
	}, nil
}
