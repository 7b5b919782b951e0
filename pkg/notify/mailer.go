package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// ErrUnknownTemplate is returned for templates the mailer cannot render
var ErrUnknownTemplate = errors.New("unknown notification template")

// MailerConfig configures a Mailer.
type MailerConfig struct {
	// From is the sender address
	From string

	// ProductName is inserted into subjects ("Your Acme trial has expired")
	ProductName string

	// BillingURL is linked from every email when set
	BillingURL string

	Logger lifecycle.Logger
}

// Mailer implements lifecycle.Notifier by rendering templates and sending email.
type Mailer struct {
	sender Sender
	config MailerConfig
}

// NewMailer creates a notifier sending through sender.
func NewMailer(sender Sender, config MailerConfig) *Mailer {
	if config.Logger == nil {
		config.Logger = &lifecycle.NoopLogger{}
	}
	return &Mailer{sender: sender, config: config}
}

// Send implements lifecycle.Notifier
func (m *Mailer) Send(ctx context.Context, template lifecycle.Template, recipient string,
	payload map[string]interface{}) error {
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	msg, err := m.render(template, payload)
	if err != nil {
		return err
	}
	msg.From = m.config.From
	msg.To = recipient

	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s email: %w", template, err)
	}

	m.config.Logger.Info("Notification sent",
		lifecycle.F("template", string(template)),
		lifecycle.F("recipient", recipient),
	)
	return nil
}

// Subject returns the email subject for template.
func (m *Mailer) Subject(template lifecycle.Template, payload map[string]interface{}) string {
	product := ""
	if m.config.ProductName != "" {
		product = m.config.ProductName + " "
	}

	switch template {
	case lifecycle.TemplateTrialExpiringSoon:
		return fmt.Sprintf("Your %strial expires in %d days", product, intValue(payload["days_remaining"]))
	case lifecycle.TemplateTrialExpired:
		return fmt.Sprintf("Your %strial has expired", product)
	case lifecycle.TemplatePaymentFailed:
		return fmt.Sprintf("Payment failed for your %ssubscription", product)
	default:
		return ""
	}
}

func (m *Mailer) render(template lifecycle.Template, payload map[string]interface{}) (Message, error) {
	var (
		html, text string
		err        error
	)

	switch template {
	case lifecycle.TemplateTrialExpiringSoon:
		html, text, err = RenderTrialExpiringSoon(TrialExpiringSoonData{
			DaysRemaining: intValue(payload["days_remaining"]),
			BillingURL:    m.config.BillingURL,
		})
	case lifecycle.TemplateTrialExpired:
		html, text, err = RenderTrialExpired(TrialExpiredData{BillingURL: m.config.BillingURL})
	case lifecycle.TemplatePaymentFailed:
		html, text, err = RenderPaymentFailed(PaymentFailedData{
			PlanName:   stringValue(payload["plan_name"]),
			Amount:     stringValue(payload["amount"]),
			Currency:   stringValue(payload["currency"]),
			BillingURL: m.config.BillingURL,
		})
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, template)
	}
	if err != nil {
		return Message{}, err
	}

	return Message{
		Subject: m.Subject(template, payload),
		HTML:    html,
		Text:    text,
	}, nil
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}
