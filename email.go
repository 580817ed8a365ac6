package lopata

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/lopata-dev/lopata/internal/store"
)

// EmailMessage is an outbound message handed to a send binding.
type EmailMessage struct {
	From string
	To   string
	Raw  io.Reader
}

// EmailSender emulates a send-email binding by recording messages in
// the shared database instead of delivering them.
type EmailSender struct {
	st *store.Store
	tr *Tracing

	// AllowedRecipients, when non-empty, restricts destinations the
	// way a configured binding does.
	AllowedRecipients []string
}

// NewEmailSender builds the binding.
func NewEmailSender(st *store.Store, tr *Tracing, allowed []string) *EmailSender {
	return &EmailSender{st: st, tr: tr, AllowedRecipients: allowed}
}

// Send validates and records one message.
func (e *EmailSender) Send(ctx context.Context, msg *EmailMessage) error {
	ctx, end := e.tr.op(ctx, "email.send", "email.to", msg.To)
	defer end(nil)
	if msg.From == "" || msg.To == "" {
		return errValidation("email: both from and to are required")
	}
	if len(e.AllowedRecipients) > 0 {
		allowed := false
		for _, r := range e.AllowedRecipients {
			if r == msg.To {
				allowed = true
				break
			}
		}
		if !allowed {
			return errValidation("email: recipient %q is not an allowed destination", msg.To)
		}
	}
	var raw []byte
	if msg.Raw != nil {
		var err error
		raw, err = io.ReadAll(msg.Raw)
		if err != nil {
			return fmt.Errorf("email: reading message: %w", err)
		}
	}
	_, err := e.st.DB.ExecContext(ctx,
		`INSERT INTO email_messages (id, mail_from, rcpt_to, raw, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), msg.From, msg.To, raw, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}
