package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/http/middleware"
	"evcharge/backend/services/charging-service/internal/service"
	"evcharge/backend/services/charging-service/internal/validation"
)

// SessionsMeHandler serves the driver's own sessions and their payment.
type SessionsMeHandler struct {
	sessions *service.SessionsService
	payments *service.PaymentService
	logger   *zap.Logger
}

// NewSessionsMeHandler builds handler set.
func NewSessionsMeHandler(sessions *service.SessionsService, payments *service.PaymentService, logger *zap.Logger) *SessionsMeHandler {
	return &SessionsMeHandler{sessions: sessions, payments: payments, logger: logger}
}

// List handles GET /sessions/me.
func (h *SessionsMeHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sessions, err := h.sessions.GetSessionsByUser(r.Context(), uid, queryLimit(r, 50))
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// Get handles GET /sessions/{id}.
func (h *SessionsMeHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	session, err := h.sessions.Get(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type payRequest struct {
	Method  string `json:"method" validate:"required,payment_method"`
	Gateway string `json:"gateway" validate:"required_if=Method gateway"`
}

// Pay handles POST /sessions/{id}/pay for an AWAITING_PAYMENT session.
func (h *SessionsMeHandler) Pay(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req payRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}

	sessionID := chi.URLParam(r, "id")
	if req.Method == "wallet" {
		session, err := h.payments.PaySessionFromWallet(r.Context(), uid, sessionID)
		if err != nil {
			writeAppError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}
	payment, err := h.payments.PaySessionViaGateway(r.Context(), uid, sessionID, req.Gateway, middleware.ClientIP(r))
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, payment)
}
