package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultSendGridURL = "https://api.sendgrid.com/v3/mail/send"

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// EmailConfig configures the SendGrid-style email channel.
type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	Endpoint  string
}

// EmailChannel sends notifications through the SendGrid v3 mail API.
type EmailChannel struct {
	cfg    EmailConfig
	client HTTPDoer
}

// NewEmailChannel builds the channel. A nil client gets a bounded-timeout http.Client.
func NewEmailChannel(cfg EmailConfig, client HTTPDoer) *EmailChannel {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultSendGridURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailChannel{cfg: cfg, client: client}
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return "email" }

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// Deliver implements Channel.
func (c *EmailChannel) Deliver(ctx context.Context, contact Contact, n Notification) error {
	if contact.Email == "" {
		return ErrNoAddress
	}
	req := sendGridRequest{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: contact.Email, Name: contact.Name}}},
		},
		From:    sendGridAddress{Email: c.cfg.FromEmail, Name: c.cfg.FromName},
		Subject: n.Subject,
		Content: []sendGridContent{{Type: "text/plain", Value: n.Body}},
	}
	return postJSON(ctx, c.client, c.cfg.Endpoint, c.cfg.APIKey, req)
}

// SMSConfig configures the HTTP SMS channel.
type SMSConfig struct {
	Endpoint string
	APIKey   string
	Sender   string
}

// SMSChannel posts short messages to an SMS provider.
type SMSChannel struct {
	cfg    SMSConfig
	client HTTPDoer
}

// NewSMSChannel builds the channel. A nil client gets a bounded-timeout http.Client.
func NewSMSChannel(cfg SMSConfig, client HTTPDoer) *SMSChannel {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SMSChannel{cfg: cfg, client: client}
}

// Name implements Channel.
func (c *SMSChannel) Name() string { return "sms" }

// Deliver implements Channel.
func (c *SMSChannel) Deliver(ctx context.Context, contact Contact, n Notification) error {
	if contact.Phone == "" {
		return ErrNoAddress
	}
	return postJSON(ctx, c.client, c.cfg.Endpoint, c.cfg.APIKey, map[string]string{
		"from": c.cfg.Sender,
		"to":   contact.Phone,
		"text": n.Body,
	})
}

// Pusher sends raw frames to a user's live connections.
type Pusher interface {
	SendToUser(userID string, msg []byte) int
}

// PushChannel forwards the notification envelope to connected websocket clients.
type PushChannel struct {
	pusher Pusher
}

// NewPushChannel wraps pusher.
func NewPushChannel(pusher Pusher) *PushChannel {
	return &PushChannel{pusher: pusher}
}

// Name implements Channel.
func (c *PushChannel) Name() string { return "push" }

// Deliver implements Channel. A driver without an open connection counts as no address.
func (c *PushChannel) Deliver(_ context.Context, _ Contact, n Notification) error {
	msg, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if c.pusher.SendToUser(n.UserID, msg) == 0 {
		return ErrNoAddress
	}
	return nil
}

func postJSON(ctx context.Context, client HTTPDoer, endpoint, apiKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	return nil
}
