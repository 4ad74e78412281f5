package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/http/middleware"
	"evcharge/backend/services/charging-service/internal/service"
)

// WalletHandler serves the driver wallet endpoints.
type WalletHandler struct {
	svc    *service.PaymentService
	logger *zap.Logger
}

// NewWalletHandler builds handler set.
func NewWalletHandler(svc *service.PaymentService, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{svc: svc, logger: logger}
}

// Get handles GET /wallet. The wallet is opened on first access.
func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	wallet, err := h.svc.OpenWallet(r.Context(), uid)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Transactions handles GET /wallet/transactions.
func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	txns, err := h.svc.History(r.Context(), uid, queryLimit(r, 50))
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

// TopUp handles POST /wallet/top-up through a payment gateway.
func (h *WalletHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var input service.GatewayTopUpInput
	if err := decodeJSON(r, &input); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	input.UserID = uid
	input.ClientIP = middleware.ClientIP(r)

	payment, err := h.svc.TopUpViaGateway(r.Context(), input)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, payment)
}

// Subscribe handles POST /plans/{id}/subscribe.
func (h *WalletHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sub, err := h.svc.SubscribePlan(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
