package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

const layoutOpen = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 40px 0; background-color: #f5f5f5;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px;">
<tr><td style="padding: 32px 40px;">`

const layoutClose = `</td></tr>
</table>
</body>
</html>`

var trialExpiringSoonTemplate = template.Must(template.New("trial-expiring-soon").Parse(layoutOpen + `
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">Your trial ends in {{.DaysRemaining}} {{if eq .DaysRemaining 1}}day{{else}}days{{end}}</h1>
<p style="margin: 0 0 24px; color: #555; font-size: 15px; line-height: 1.5;">
Choose a plan before your trial ends to keep access to your data.
</p>
{{if .BillingURL}}<a href="{{.BillingURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px;">Choose a plan</a>{{end}}
` + layoutClose))

var trialExpiredTemplate = template.Must(template.New("trial-expired").Parse(layoutOpen + `
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">Your trial has expired</h1>
<p style="margin: 0 0 24px; color: #555; font-size: 15px; line-height: 1.5;">
Your account is paused and your data is kept. Subscribe at any time to pick up where you left off.
</p>
{{if .BillingURL}}<a href="{{.BillingURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px;">Subscribe</a>{{end}}
` + layoutClose))

var paymentFailedTemplate = template.Must(template.New("payment-failed").Parse(layoutOpen + `
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">We couldn't process your payment</h1>
<p style="margin: 0 0 24px; color: #555; font-size: 15px; line-height: 1.5;">
The payment{{if .Amount}} of {{.Amount}} {{.Currency}}{{end}} for your {{.PlanName}} failed. We will retry automatically; please check your payment method.
</p>
{{if .BillingURL}}<a href="{{.BillingURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px;">Update payment method</a>{{end}}
` + layoutClose))

// TrialExpiringSoonData holds template data for the trial reminder email.
type TrialExpiringSoonData struct {
	DaysRemaining int
	BillingURL    string
}

// TrialExpiredData holds template data for the trial expired email.
type TrialExpiredData struct {
	BillingURL string
}

// PaymentFailedData holds template data for the payment failed email.
type PaymentFailedData struct {
	PlanName   string
	Amount     string
	Currency   string
	BillingURL string
}

// RenderTrialExpiringSoon renders the trial reminder email.
func RenderTrialExpiringSoon(data TrialExpiringSoonData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := trialExpiringSoonTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render trial-expiring-soon template: %w", err)
	}

	unit := "days"
	if data.DaysRemaining == 1 {
		unit = "day"
	}
	textBody := fmt.Sprintf("Your trial ends in %d %s.\n\nChoose a plan before your trial ends to keep access to your data.%s",
		data.DaysRemaining, unit, linkLine(data.BillingURL))
	return buf.String(), textBody, nil
}

// RenderTrialExpired renders the trial expired email.
func RenderTrialExpired(data TrialExpiredData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := trialExpiredTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render trial-expired template: %w", err)
	}

	textBody := "Your trial has expired.\n\nYour account is paused and your data is kept. Subscribe at any time to pick up where you left off." +
		linkLine(data.BillingURL)
	return buf.String(), textBody, nil
}

// RenderPaymentFailed renders the payment failed email.
func RenderPaymentFailed(data PaymentFailedData) (html, text string, err error) {
	if data.PlanName == "" {
		data.PlanName = "subscription"
	}

	var buf bytes.Buffer
	if err := paymentFailedTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render payment-failed template: %w", err)
	}

	var amount string
	if data.Amount != "" {
		amount = fmt.Sprintf(" of %s %s", data.Amount, strings.ToUpper(data.Currency))
	}
	textBody := fmt.Sprintf("We couldn't process your payment.\n\nThe payment%s for your %s failed. We will retry automatically; please check your payment method.%s",
		amount, data.PlanName, linkLine(data.BillingURL))
	return buf.String(), textBody, nil
}

func linkLine(url string) string {
	if url == "" {
		return ""
	}
	return "\n\n" + url
}
