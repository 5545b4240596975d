package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/fleetwatch/core/internal/store"
)

// EmailChannel delivers alerts via SendGrid.
type EmailChannel struct {
	client *sendgrid.Client
	from   *mail.Email
}

// NewEmailChannel creates an EmailChannel. fromAddr/fromName identify the
// sender shown to recipients.
func NewEmailChannel(apiKey, fromAddr, fromName string) *EmailChannel {
	return &EmailChannel{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddr),
	}
}

// Service implements Channel.
func (c *EmailChannel) Service() store.ServiceType { return store.ServiceEmail }

// Send implements Channel, emailing recipients the rendered payload.
func (c *EmailChannel) Send(_ context.Context, recipients []string, p Payload) error {
	subject := fmt.Sprintf("[fleetwatch] %s", p.Kind)
	for _, addr := range recipients {
		to := mail.NewEmail("", addr)
		msg := mail.NewSingleEmail(c.from, subject, to, p.Text, "")
		resp, err := c.client.Send(msg)
		if err != nil {
			return fmt.Errorf("notify: sendgrid send to %s: %w", addr, err)
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("notify: sendgrid send to %s: status %d", addr, resp.StatusCode)
		}
	}
	return nil
}
