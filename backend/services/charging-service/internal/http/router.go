package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/http/handlers"
	"evcharge/backend/services/charging-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Bookings       *handlers.BookingsHandler
	SessionsMe     *handlers.SessionsMeHandler
	Telemetry      *handlers.TelemetryHandler
	Wallet         *handlers.WalletHandler
	Operator       *handlers.OperatorHandler
	Points         *handlers.PointsHandler
	Callbacks      *handlers.PaymentCallbackHandler
	ActiveSessions http.HandlerFunc
	PointSession   http.HandlerFunc
	Health         http.HandlerFunc
	Notifications  http.HandlerFunc

	JWTSecret       string
	OperatorKeyHash string
	CallbackLimiter *middleware.RateLimiter
	Logger          *zap.Logger
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", deps.Health)
	r.Get("/points", deps.Points.List)
	r.Get("/points/{id}", deps.Points.Get)
	r.Get("/points/{id}/session", deps.PointSession)

	r.Group(func(r chi.Router) {
		if deps.CallbackLimiter != nil {
			r.Use(deps.CallbackLimiter.Middleware)
		}
		r.Get("/payments/{gateway}/callback", deps.Callbacks.Handle)
		r.Post("/payments/{gateway}/callback", deps.Callbacks.Handle)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(deps.JWTSecret))

		r.Get("/ws/notifications", deps.Notifications)

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", deps.Bookings.Create)
			r.Get("/", deps.Bookings.List)
			r.Get("/{id}", deps.Bookings.Get)
			r.Post("/{id}/check-in", deps.Bookings.CheckIn)
			r.Post("/{id}/cancel", deps.Bookings.Cancel)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/me", deps.SessionsMe.List)
			r.Get("/{id}", deps.SessionsMe.Get)
			r.Post("/{id}/start", deps.Telemetry.HandleStart)
			r.Post("/{id}/stop", deps.Telemetry.HandleStop)
			r.Post("/{id}/abort", deps.Telemetry.HandleAbort)
			r.Post("/{id}/pay", deps.SessionsMe.Pay)
		})

		r.Get("/wallet", deps.Wallet.Get)
		r.Get("/wallet/transactions", deps.Wallet.Transactions)
		r.Post("/wallet/top-up", deps.Wallet.TopUp)
		r.Post("/plans/{id}/subscribe", deps.Wallet.Subscribe)
	})

	r.Route("/operator", func(r chi.Router) {
		r.Use(middleware.OperatorMiddleware(deps.OperatorKeyHash))

		r.Get("/sessions/active", deps.ActiveSessions)
		r.Post("/sessions/{id}/start", deps.Telemetry.HandleStart)
		r.Post("/sessions/{id}/stop", deps.Telemetry.HandleStop)
		r.Post("/sessions/{id}/abort", deps.Telemetry.HandleAbort)

		r.Post("/wallets/{userID}/cash-top-up", deps.Operator.CashTopUp)
		r.Post("/wallets/{userID}/adjust", deps.Operator.Adjust)

		r.Post("/points", deps.Operator.RegisterPoint)
		r.Put("/points/{id}/status", deps.Operator.SetPointStatus)

		r.Put("/plans", deps.Operator.UpsertPlan)
		r.Put("/plans/{id}", deps.Operator.UpsertPlan)
	})

	return r
}
