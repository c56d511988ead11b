package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"referral-engine/internal/config"
	"referral-engine/internal/models"
)

// NewMailer picks SMTP when an address is configured, log-only otherwise.
func NewMailer(cfg config.Config, logger *slog.Logger) Mailer {
	if cfg.SMTPAddr == "" {
		return NewLogMailer(logger)
	}
	return NewSMTPMailer(cfg, logger)
}

// SMTPMailer sends drafts through a plain SMTP relay.
type SMTPMailer struct {
	addr     string
	from     string
	username string
	password string
	log      *slog.Logger
}

func NewSMTPMailer(cfg config.Config, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPMailer{
		addr:     cfg.SMTPAddr,
		from:     cfg.SMTPFrom,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		log:      logger,
	}
}

// Send delivers the draft. Contact resolution can surface a phone number or a
// postal address; those cannot go through SMTP, so they fail delivery here and
// count against the document's retry budget like any other delivery failure.
func (s *SMTPMailer) Send(_ context.Context, draft models.EmailDraft) error {
	if !strings.Contains(draft.Recipient, "@") {
		return fmt.Errorf("recipient %q is not an email address", draft.Recipient)
	}

	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("parse smtp addr: %w", err)
	}
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, host)
	}

	if err := smtp.SendMail(s.addr, auth, s.from, []string{draft.Recipient}, buildMessage(s.from, draft)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	s.log.Info("mail.sent", "recipient", draft.Recipient, "subject", draft.Subject)
	return nil
}

func buildMessage(from string, d models.EmailDraft) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", d.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", d.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(d.Body)
	return b.Bytes()
}

// LogMailer records the email instead of sending it; the default for local
// development and tests.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{log: logger}
}

func (l *LogMailer) Send(_ context.Context, draft models.EmailDraft) error {
	l.log.Info("mail.mock",
		"recipient", draft.Recipient,
		"subject", draft.Subject,
		"body", draft.Body,
	)
	return nil
}
