package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-automation/internal/config"
)

// SMTPSender relays messages through an SMTP server. Every conversation
// runs under a single deadline covering dial, handshake and data.
type SMTPSender struct {
	addr     string
	host     string
	auth     smtp.Auth
	timeout  time.Duration
	sendMail func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

// NewSMTPSender returns nil when the relay is not configured, which Deliver
// reports as skipped.
func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	if !cfg.Enabled() {
		return nil
	}
	var auth smtp.Auth
	if cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
	}
	s := &SMTPSender{
		addr:    cfg.SMTPAddr(),
		host:    cfg.SMTPHost,
		auth:    auth,
		timeout: cfg.SMTPTimeout(),
		now:     time.Now,
	}
	s.sendMail = s.relay
	return s
}

// Send writes the message and returns the Message-ID it was given.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from := sanitizeHeader(msg.From)
	if from == "" {
		return "", errors.New("missing From address")
	}
	if len(msg.To) == 0 {
		return "", errors.New("missing To address")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)
	var buf bytes.Buffer
	buf.WriteString("From: " + from + "\r\n")
	buf.WriteString("To: " + strings.Join(msg.To, ", ") + "\r\n")
	if replyTo := sanitizeHeader(msg.ReplyTo); replyTo != "" {
		buf.WriteString("Reply-To: " + replyTo + "\r\n")
	}
	buf.WriteString("Subject: " + sanitizeHeader(msg.Subject) + "\r\n")
	buf.WriteString("Message-ID: " + messageID + "\r\n")
	buf.WriteString("Date: " + s.now().UTC().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.WriteString(msg.HTML)

	if err := s.sendMail(ctx, s.addr, s.auth, from, msg.To, buf.Bytes()); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return messageID, nil
}

// relay is smtp.SendMail with the connection bound to ctx and s.timeout.
func (s *SMTPSender) relay(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
