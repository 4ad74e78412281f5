// Package gateway builds signed payment requests for external gateways and reconciles their
// asynchronous callbacks with pending wallet transactions.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"evcharge/backend/services/charging-service/internal/apperr"
)

var (
	ErrInvalidSignature   = fmt.Errorf("gateway: invalid signature: %w", apperr.ErrGateway)
	ErrMalformedCallback  = fmt.Errorf("gateway: malformed callback: %w", apperr.ErrGateway)
	ErrAmountMismatch     = fmt.Errorf("gateway: callback amount does not match: %w", apperr.ErrGateway)
	ErrRejected           = fmt.Errorf("gateway: order rejected: %w", apperr.ErrGateway)
	ErrUnknownGateway     = fmt.Errorf("gateway: %w", apperr.ErrNotFound)
	ErrUnknownTransaction = fmt.Errorf("gateway: transaction %w", apperr.ErrNotFound)
)

// ErrAmbiguous means the gateway did not answer in time; the order may still be paid.
var ErrAmbiguous = fmt.Errorf("gateway: no response, payment outcome unknown: %w", apperr.ErrGateway)

// Order describes what the driver pays for.
type Order struct {
	ExternalID  string
	UserID      string
	Amount      int64
	Description string
	ClientIP    string
	CreatedAt   time.Time
}

// PaymentRequest is a signed request ready to hand to the driver or already placed with the gateway.
type PaymentRequest struct {
	Gateway    string            `json:"gateway"`
	ExternalID string            `json:"external_id"`
	PaymentURL string            `json:"payment_url,omitempty"`
	Token      string            `json:"token,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Signature  string            `json:"signature"`
}

// RawCallback is an inbound callback as received over HTTP.
type RawCallback struct {
	Query url.Values
	Body  []byte
}

// Callback is a parsed callback. Signed and Signature are what VerifyCallback checks.
type Callback struct {
	Gateway              string
	ExternalID           string
	Amount               int64
	Success              bool
	GatewayTransactionID string
	Signed               string
	Signature            string
}

// Gateway is one external payment provider.
type Gateway interface {
	Name() string
	BuildPaymentRequest(ctx context.Context, order Order) (*PaymentRequest, error)
	ParseCallback(raw RawCallback) (*Callback, error)
	VerifyCallback(cb *Callback) error
}

// Registry resolves gateways by name.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry indexes gws by Name.
func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, gw := range gws {
		r.gateways[gw.Name()] = gw
	}
	return r
}

// Get returns the named gateway.
func (r *Registry) Get(name string) (Gateway, error) {
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return gw, nil
}

// Names lists registered gateways.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// canonicalQuery joins params as URL-encoded k=v pairs ordered by key.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

func hmacSHA512(key, data string) string {
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA256(key, data string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// equalMAC compares hex digests byte for byte, ignoring hex case.
func equalMAC(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(got)))
}
