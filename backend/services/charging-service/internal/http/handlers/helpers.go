package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/http/middleware"
	"evcharge/backend/services/charging-service/internal/validation"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:          http.StatusBadRequest,
	apperr.KindStateConflict:       http.StatusConflict,
	apperr.KindResourceUnavailable: http.StatusConflict,
	apperr.KindInsufficientFunds:   http.StatusPaymentRequired,
	apperr.KindGateway:             http.StatusBadGateway,
	apperr.KindNotFound:            http.StatusNotFound,
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: http.StatusText(status)})
}

// writeAppError maps the error taxonomy onto status codes. Internal errors are logged and hidden.
func writeAppError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: string(apperr.KindInternal)})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(kind), Fields: validation.Fields(err)})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.New(apperr.ErrValidation, "invalid json: "+err.Error())
	}
	return nil
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
	}
	return id, ok
}

func queryLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 200 {
		return fallback
	}
	return limit
}
