package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/service"
	"evcharge/backend/services/charging-service/internal/validation"
)

// OperatorHandler serves back-office endpoints guarded by the operator key.
type OperatorHandler struct {
	payments *service.PaymentService
	points   *service.PointService
	logger   *zap.Logger
}

// NewOperatorHandler builds handler set.
func NewOperatorHandler(payments *service.PaymentService, points *service.PointService, logger *zap.Logger) *OperatorHandler {
	return &OperatorHandler{payments: payments, points: points, logger: logger}
}

type statusRequest struct {
	Status models.PointStatus `json:"status" validate:"required,service_status"`
}

// CashTopUp handles POST /operator/wallets/{userID}/cash-top-up.
func (h *OperatorHandler) CashTopUp(w http.ResponseWriter, r *http.Request) {
	var input service.CashTopUpInput
	if err := decodeJSON(r, &input); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	input.UserID = chi.URLParam(r, "userID")

	res, err := h.payments.CashTopUp(r.Context(), input)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// Adjust handles POST /operator/wallets/{userID}/adjust.
func (h *OperatorHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var input service.AdjustInput
	if err := decodeJSON(r, &input); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	input.UserID = chi.URLParam(r, "userID")

	res, err := h.payments.AdminAdjust(r.Context(), input)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RegisterPoint handles POST /operator/points.
func (h *OperatorHandler) RegisterPoint(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterPointInput
	if err := decodeJSON(r, &input); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	point, err := h.points.Register(r.Context(), input)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, point)
}

// SetPointStatus handles PUT /operator/points/{id}/status.
func (h *OperatorHandler) SetPointStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	point, err := h.points.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, point)
}

// UpsertPlan handles PUT /operator/plans and PUT /operator/plans/{id}.
func (h *OperatorHandler) UpsertPlan(w http.ResponseWriter, r *http.Request) {
	var plan models.Plan
	if err := decodeJSON(r, &plan); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		plan.ID = id
	}
	saved, err := h.payments.UpsertPlan(r.Context(), plan)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// PointsHandler serves the public point listing.
type PointsHandler struct {
	points *service.PointService
	logger *zap.Logger
}

// NewPointsHandler builds handler set.
func NewPointsHandler(points *service.PointService, logger *zap.Logger) *PointsHandler {
	return &PointsHandler{points: points, logger: logger}
}

// List handles GET /points.
func (h *PointsHandler) List(w http.ResponseWriter, r *http.Request) {
	points, err := h.points.List(r.Context())
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

// Get handles GET /points/{id}.
func (h *PointsHandler) Get(w http.ResponseWriter, r *http.Request) {
	point, err := h.points.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, point)
}
