package lifecycle

import "context"

// Template names a notification template.
type Template string

const (
	TemplateTrialExpiringSoon Template = "trial-expiring-soon"
	TemplateTrialExpired      Template = "trial-expired"
	TemplatePaymentFailed     Template = "payment-failed"
)

// Notifier delivers a templated notification to a billing contact.
type Notifier interface {
	Send(ctx context.Context, template Template, recipient string, payload map[string]interface{}) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (n *NoopNotifier) Send(_ context.Context, _ Template, _ string, _ map[string]interface{}) error {
	return nil
}
