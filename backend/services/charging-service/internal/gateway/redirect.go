package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// RedirectName is the registry name of the card/bank redirect gateway.
const RedirectName = "redirect"

const (
	redirectHashField    = "secure_hash"
	redirectHashType     = "secure_hash_type"
	redirectSuccessCode  = "00"
	redirectAmountFactor = 100
)

// RedirectConfig configures the card/bank redirect gateway.
type RedirectConfig struct {
	MerchantCode string
	HashSecret   string
	PayURL       string
	ReturnURL    string
	Location     *time.Location
}

// RedirectGateway signs a redirect URL with HMAC-SHA512 over the key-sorted query string.
type RedirectGateway struct {
	cfg RedirectConfig
}

// NewRedirectGateway builds the gateway.
func NewRedirectGateway(cfg RedirectConfig) *RedirectGateway {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &RedirectGateway{cfg: cfg}
}

// Name implements Gateway.
func (g *RedirectGateway) Name() string { return RedirectName }

// BuildPaymentRequest returns the signed URL the driver is redirected to. No call is made.
func (g *RedirectGateway) BuildPaymentRequest(_ context.Context, order Order) (*PaymentRequest, error) {
	if order.ExternalID == "" || order.Amount <= 0 {
		return nil, fmt.Errorf("gateway: external id and positive amount required")
	}
	created := order.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	params := map[string]string{
		"version":     "2.1.0",
		"command":     "pay",
		"tmn_code":    g.cfg.MerchantCode,
		"amount":      strconv.FormatInt(order.Amount*redirectAmountFactor, 10),
		"curr_code":   "VND",
		"txn_ref":     order.ExternalID,
		"order_info":  order.Description,
		"order_type":  "other",
		"locale":      "vn",
		"return_url":  g.cfg.ReturnURL,
		"ip_addr":     order.ClientIP,
		"create_date": created.In(g.cfg.Location).Format("20060102150405"),
		"expire_date": created.Add(15 * time.Minute).In(g.cfg.Location).Format("20060102150405"),
	}
	canonical := canonicalQuery(params)
	signature := hmacSHA512(g.cfg.HashSecret, canonical)

	return &PaymentRequest{
		Gateway:    RedirectName,
		ExternalID: order.ExternalID,
		PaymentURL: g.cfg.PayURL + "?" + canonical + "&" + redirectHashField + "=" + signature,
		Fields:     params,
		Signature:  signature,
	}, nil
}

// ParseCallback reads the return/IPN query string. POSTed form bodies are accepted too.
func (g *RedirectGateway) ParseCallback(raw RawCallback) (*Callback, error) {
	values := raw.Query
	if len(values) == 0 && len(raw.Body) > 0 {
		parsed, err := url.ParseQuery(string(raw.Body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		values = parsed
	}

	params := make(map[string]string, len(values))
	for k := range values {
		if k == redirectHashField || k == redirectHashType {
			continue
		}
		params[k] = values.Get(k)
	}
	signature := values.Get(redirectHashField)
	ref := params["txn_ref"]
	if signature == "" || ref == "" {
		return nil, fmt.Errorf("%w: missing txn_ref or secure_hash", ErrMalformedCallback)
	}
	amount, err := strconv.ParseInt(params["amount"], 10, 64)
	if err != nil || amount%redirectAmountFactor != 0 {
		return nil, fmt.Errorf("%w: bad amount %q", ErrMalformedCallback, params["amount"])
	}

	success := params["response_code"] == redirectSuccessCode
	if status, ok := params["transaction_status"]; ok {
		success = success && status == redirectSuccessCode
	}
	return &Callback{
		Gateway:              RedirectName,
		ExternalID:           ref,
		Amount:               amount / redirectAmountFactor,
		Success:              success,
		GatewayTransactionID: params["transaction_no"],
		Signed:               canonicalQuery(params),
		Signature:            signature,
	}, nil
}

// VerifyCallback recomputes the HMAC-SHA512 with the hash secret.
func (g *RedirectGateway) VerifyCallback(cb *Callback) error {
	if !equalMAC(hmacSHA512(g.cfg.HashSecret, cb.Signed), cb.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
