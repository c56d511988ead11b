// Package notify handles the missing-information path: when a referral cannot
// be synced, the sender is asked by email for the fields that are missing.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"referral-engine/internal/models"
)

// Drafter writes the request-for-information email.
type Drafter interface {
	DraftRequestEmail(ctx context.Context, fields models.Fields, filename string, missing []string) (models.EmailDraft, error)
}

// Mailer delivers a drafted email.
type Mailer interface {
	Send(ctx context.Context, draft models.EmailDraft) error
}

// Notifier reports an incomplete referral back to whoever can complete it.
type Notifier interface {
	RequestMissingInfo(ctx context.Context, rec models.StatusRecord, missing []string) error
}

// EmailNotifier resolves the best provider contact, has the draft written, and
// hands it to the mailer.
type EmailNotifier struct {
	drafter Drafter
	mailer  Mailer
	log     *slog.Logger
}

func NewEmailNotifier(d Drafter, m Mailer, logger *slog.Logger) *EmailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailNotifier{drafter: d, mailer: m, log: logger}
}

func (n *EmailNotifier) RequestMissingInfo(ctx context.Context, rec models.StatusRecord, missing []string) error {
	recipient := ResolveContact(rec.Fields)
	if recipient == "" {
		return fmt.Errorf("no provider contact information on document %s", rec.DocumentID)
	}

	draft, err := n.drafter.DraftRequestEmail(ctx, rec.Fields, rec.Filename, missing)
	if err != nil {
		return fmt.Errorf("draft request email: %w", err)
	}
	draft.Recipient = recipient

	if err := n.mailer.Send(ctx, draft); err != nil {
		return fmt.Errorf("send request email: %w", err)
	}

	n.log.Info("notify.sent",
		"document_id", rec.DocumentID,
		"recipient", recipient,
		"missing", missing,
	)
	return nil
}

// ResolveContact picks the best contact method for the referral: the
// referring provider's email, then phone, then address, falling back to the
// receiving provider in the same order.
func ResolveContact(fields models.Fields) string {
	for _, provider := range []string{"referring_provider", "receiving_provider"} {
		for _, method := range []string{"email", "phone", "address"} {
			if v := fields.Text(provider + ".contact." + method); v != "" {
				return v
			}
		}
	}
	return ""
}
