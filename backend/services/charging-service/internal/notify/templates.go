package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"evcharge/backend/services/charging-service/internal/events"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{
	"money": formatMoney,
}

var templateSources = map[string][2]string{
	events.BookingCreated: {
		"Booking confirmed",
		"Your booking {{.BookingID}} on point {{.PointID}} starts at {{.BookingTime.Format \"2006-01-02 15:04\"}} UTC. Deposit: {{money .DepositAmount}}.",
	},
	events.BookingCheckedIn: {
		"Checked in",
		"You checked in for booking {{.BookingID}}. Plug in to start charging.",
	},
	events.BookingCancelled: {
		"Booking cancelled",
		"Booking {{.BookingID}} was cancelled. The deposit of {{money .DepositAmount}} is not refunded.",
	},
	events.BookingExpired: {
		"Booking expired",
		"Booking {{.BookingID}} expired because check-in did not happen in time. The deposit of {{money .DepositAmount}} is forfeited.",
	},
	events.DepositCollected: {
		"Deposit collected",
		"A deposit of {{money .Amount}} was taken for booking {{.BookingID}}. Balance: {{money .Balance}}.",
	},
	events.DepositAwaiting: {
		"Top up to keep your booking",
		"We could not take the deposit of {{money .Amount}} for booking {{.BookingID}}. Top up before check-in.",
	},
	events.SessionStarted: {
		"Charging started",
		"Charging session {{.SessionID}} started on point {{.PointID}}.",
	},
	events.SessionCompleted: {
		"Charging finished",
		"Session {{.SessionID}} finished: {{printf \"%.2f\" .EnergyKWh}} kWh in {{.DurationMin}} min, cost {{money .TotalCost}}.",
	},
	events.SessionSettled: {
		"Session settled",
		"Session {{.SessionID}}: cost {{money .TotalCost}}, refunded {{money .Refunded}}, charged {{money .Charged}}{{if .AmountDue}}, still due {{money .AmountDue}}{{end}}.",
	},
	events.WalletLowBalance: {
		"Low wallet balance",
		"Your wallet balance is {{money .Balance}}, below {{money .Threshold}}. Top up to keep booking.",
	},
	events.PaymentCompleted: {
		"Payment received",
		"Payment {{.ExternalID}} of {{money .Amount}} via {{.Gateway}} was credited.",
	},
	events.PaymentFailed: {
		"Payment failed",
		"Payment {{.ExternalID}} of {{money .Amount}} via {{.Gateway}} failed. Nothing was charged.",
	},
}

// Templates renders per-event subjects and bodies.
type Templates struct {
	byEvent map[string]messageTemplate
}

// DefaultTemplates parses the built-in templates.
func DefaultTemplates() (*Templates, error) {
	t := &Templates{byEvent: make(map[string]messageTemplate, len(templateSources))}
	for name, src := range templateSources {
		subject, err := template.New(name + ".subject").Funcs(funcs).Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("notify: template %s: %w", name, err)
		}
		body, err := template.New(name + ".body").Funcs(funcs).Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("notify: template %s: %w", name, err)
		}
		t.byEvent[name] = messageTemplate{subject: subject, body: body}
	}
	return t, nil
}

// Events lists the event names that have a template.
func (t *Templates) Events() []string {
	out := make([]string, 0, len(t.byEvent))
	for name := range t.byEvent {
		out = append(out, name)
	}
	return out
}

// Render returns the subject and body for evt.
func (t *Templates) Render(evt events.Event) (string, string, error) {
	tmpl, ok := t.byEvent[evt.Name()]
	if !ok {
		return "", "", fmt.Errorf("notify: no template for %s", evt.Name())
	}
	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, evt); err != nil {
		return "", "", err
	}
	if err := tmpl.body.Execute(&body, evt); err != nil {
		return "", "", err
	}
	return subject.String(), body.String(), nil
}

func formatMoney(amount int64) string {
	return fmt.Sprintf("%d VND", amount)
}
