package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// QRWalletName is the registry name of the QR wallet gateway.
const QRWalletName = "qrwallet"

const qrSuccessCode = 1

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// QRWalletConfig configures the QR wallet gateway.
type QRWalletConfig struct {
	AppID       string
	Key1        string
	Key2        string
	CreateURL   string
	CallbackURL string
	Timeout     time.Duration
}

// QRWalletGateway places orders with a QR wallet provider. Requests are signed with Key1 and
// callbacks verified with Key2.
type QRWalletGateway struct {
	cfg    QRWalletConfig
	client HTTPDoer
	logger *zap.Logger
}

// NewQRWalletGateway returns the gateway. A nil client gets a bounded-timeout http.Client.
func NewQRWalletGateway(cfg QRWalletConfig, client HTTPDoer, logger *zap.Logger) *QRWalletGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &QRWalletGateway{cfg: cfg, client: client, logger: logger}
}

// Name implements Gateway.
func (g *QRWalletGateway) Name() string { return QRWalletName }

type qrCreateResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
	OrderURL      string `json:"order_url"`
	OrderToken    string `json:"order_token"`
}

// BuildPaymentRequest signs the order and places it. With no CreateURL configured the signed
// fields are returned without a call.
func (g *QRWalletGateway) BuildPaymentRequest(ctx context.Context, order Order) (*PaymentRequest, error) {
	if order.ExternalID == "" || order.Amount <= 0 {
		return nil, fmt.Errorf("gateway: external id and positive amount required")
	}
	created := order.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	embed, _ := json.Marshal(map[string]string{"user_id": order.UserID})
	fields := map[string]string{
		"app_id":       g.cfg.AppID,
		"app_trans_id": order.ExternalID,
		"app_user":     order.UserID,
		"amount":       strconv.FormatInt(order.Amount, 10),
		"app_time":     strconv.FormatInt(created.UnixMilli(), 10),
		"embed_data":   string(embed),
		"item":         "[]",
		"description":  order.Description,
		"callback_url": g.cfg.CallbackURL,
	}
	fields["mac"] = hmacSHA256(g.cfg.Key1, requestMACInput(fields))
	req := &PaymentRequest{
		Gateway:    QRWalletName,
		ExternalID: order.ExternalID,
		Fields:     fields,
		Signature:  fields["mac"],
	}

	if g.cfg.CreateURL == "" {
		g.logger.Debug("qr wallet create url not configured, skip order placement")
		return req, nil
	}

	resp, err := g.post(ctx, fields)
	if err != nil {
		return req, err
	}
	if resp.ReturnCode != qrSuccessCode {
		return req, fmt.Errorf("%w: %d %s", ErrRejected, resp.ReturnCode, resp.ReturnMessage)
	}
	req.PaymentURL = resp.OrderURL
	req.Token = resp.OrderToken
	return req, nil
}

func requestMACInput(f map[string]string) string {
	return strings.Join([]string{
		f["app_id"], f["app_trans_id"], f["app_user"], f["amount"], f["app_time"], f["embed_data"], f["item"],
	}, "|")
}

func (g *QRWalletGateway) post(ctx context.Context, fields map[string]string) (*qrCreateResponse, error) {
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.CreateURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			g.logger.Warn("qr wallet order timed out", zap.String("app_trans_id", fields["app_trans_id"]), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrAmbiguous, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrAmbiguous, resp.StatusCode)
	}
	var out qrCreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type qrCallbackEnvelope struct {
	Data string `json:"data"`
	MAC  string `json:"mac"`
	Type int    `json:"type"`
}

type qrCallbackData struct {
	AppID      json.Number `json:"app_id"`
	AppTransID string      `json:"app_trans_id"`
	AppUser    string      `json:"app_user"`
	Amount     int64       `json:"amount"`
	ZPTransID  json.Number `json:"zp_trans_id"`
	ReturnCode *int        `json:"return_code,omitempty"`
}

// ParseCallback decodes the {data, mac} envelope. A data payload without return_code is a success
// notification.
func (g *QRWalletGateway) ParseCallback(raw RawCallback) (*Callback, error) {
	var env qrCallbackEnvelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Data == "" || env.MAC == "" {
		return nil, fmt.Errorf("%w: missing data or mac", ErrMalformedCallback)
	}
	var data qrCallbackData
	dec := json.NewDecoder(strings.NewReader(env.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if data.AppTransID == "" {
		return nil, fmt.Errorf("%w: missing app_trans_id", ErrMalformedCallback)
	}
	return &Callback{
		Gateway:              QRWalletName,
		ExternalID:           data.AppTransID,
		Amount:               data.Amount,
		Success:              data.ReturnCode == nil || *data.ReturnCode == qrSuccessCode,
		GatewayTransactionID: data.ZPTransID.String(),
		Signed:               env.Data,
		Signature:            env.MAC,
	}, nil
}

// VerifyCallback checks mac = HMAC-SHA256(Key2, data).
func (g *QRWalletGateway) VerifyCallback(cb *Callback) error {
	if !equalMAC(hmacSHA256(g.cfg.Key2, cb.Signed), cb.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
