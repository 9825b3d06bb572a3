package notification

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// EmailTransport is the external email provider call.
type EmailTransport interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ResendTransport sends transactional email through Resend.
type ResendTransport struct {
	client    *resend.Client
	fromEmail string
}

func NewResendTransport(apiKey, fromEmail string) *ResendTransport {
	if fromEmail == "" {
		fromEmail = "notifications@hearth.app"
	}
	return &ResendTransport{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
	}
}

func (t *ResendTransport) SendEmail(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    t.fromEmail,
		To:      []string{to},
		Subject: subject,
		Text:    body,
	}
	if _, err := t.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}
