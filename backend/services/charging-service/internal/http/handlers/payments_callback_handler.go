package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/gateway"
)

// PaymentCallbackHandler receives gateway notifications. Each gateway expects its own
// acknowledgement body.
type PaymentCallbackHandler struct {
	reconciler *gateway.Reconciler
	logger     *zap.Logger
}

// NewPaymentCallbackHandler builds handler.
func NewPaymentCallbackHandler(reconciler *gateway.Reconciler, logger *zap.Logger) *PaymentCallbackHandler {
	return &PaymentCallbackHandler{reconciler: reconciler, logger: logger}
}

// Handle serves GET|POST /payments/{gateway}/callback.
func (h *PaymentCallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := h.reconciler.ApplyCallback(r.Context(), name, gateway.RawCallback{Query: r.URL.Query(), Body: body})
	if errors.Is(err, gateway.ErrUnknownGateway) {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ack(name, res, err))
}

// ack builds the gateway-specific acknowledgement. Only internal failures ask for a retry.
func ack(name string, res gateway.Reconciliation, err error) interface{} {
	retry := err != nil && apperr.KindOf(err) == apperr.KindInternal
	switch name {
	case gateway.QRWalletName:
		switch {
		case retry:
			return map[string]interface{}{"return_code": 0, "return_message": "retry"}
		case err != nil:
			return map[string]interface{}{"return_code": -1, "return_message": err.Error()}
		default:
			return map[string]interface{}{"return_code": 1, "return_message": "success"}
		}
	default:
		switch {
		case errors.Is(err, gateway.ErrInvalidSignature):
			return map[string]string{"RspCode": "97", "Message": "Invalid signature"}
		case errors.Is(err, gateway.ErrUnknownTransaction):
			return map[string]string{"RspCode": "01", "Message": "Order not found"}
		case errors.Is(err, gateway.ErrAmountMismatch):
			return map[string]string{"RspCode": "04", "Message": "Invalid amount"}
		case err != nil:
			return map[string]string{"RspCode": "99", "Message": "Unknown error"}
		case res.Duplicate:
			return map[string]string{"RspCode": "02", "Message": "Order already confirmed"}
		default:
			return map[string]string{"RspCode": "00", "Message": "Confirm Success"}
		}
	}
}
