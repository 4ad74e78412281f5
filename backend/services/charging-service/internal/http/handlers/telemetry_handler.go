package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/http/middleware"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/service"
)

// TelemetryHandler accepts start/stop/abort telemetry for a session. Driver requests carry their
// identity and are owner-checked; operator requests are not.
type TelemetryHandler struct {
	svc    *service.SessionsService
	logger *zap.Logger
}

// NewTelemetryHandler builds handler set.
func NewTelemetryHandler(svc *service.SessionsService, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		svc:    svc,
		logger: logger,
	}
}

// HandleStart handles POST /sessions/{id}/start.
func (h *TelemetryHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var input service.StartSessionInput
	if err := decodeJSON(r, &input); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	input.DriverID, _ = middleware.UserIDFromContext(r.Context())

	session, err := h.svc.Start(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleStop handles POST /sessions/{id}/stop.
func (h *TelemetryHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.svc.Stop)
}

// HandleAbort handles POST /sessions/{id}/abort.
func (h *TelemetryHandler) HandleAbort(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.svc.Abort)
}

type finishFunc func(ctx context.Context, sessionID string, input service.StopSessionInput) (*models.Session, error)

func (h *TelemetryHandler) finish(w http.ResponseWriter, r *http.Request, fn finishFunc) {
	var input service.StopSessionInput
	if err := decodeJSON(r, &input); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	input.DriverID, _ = middleware.UserIDFromContext(r.Context())

	session, err := fn(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
