package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/gateway"
	"evcharge/backend/services/charging-service/internal/ledger"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/pricing"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/settlement"
	"evcharge/backend/services/charging-service/internal/validation"
)

const subscriptionPeriod = 30 * 24 * time.Hour

var (
	ErrPlanNotFound     = fmt.Errorf("plan %w", apperr.ErrNotFound)
	ErrPlanNotSubscribe = apperr.New(apperr.ErrValidation, "plan is not an active subscription plan")
)

// ErrSubscriptionReplayed reports a fee already charged for the requested period.
var ErrSubscriptionReplayed = apperr.New(apperr.ErrStateConflict, "subscription fee for this period was already charged")

// PlanViolationError carries the rule violations of a rejected plan.
type PlanViolationError struct {
	Violations []pricing.Violation
}

func (e *PlanViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Reason)
	}
	return "invalid plan: " + strings.Join(parts, "; ")
}

func (e *PlanViolationError) Unwrap() error { return apperr.ErrValidation }

// GatewayPayment is a pending gateway payment handed back to the driver.
type GatewayPayment struct {
	Transaction *models.WalletTransaction `json:"transaction"`
	Request     *gateway.PaymentRequest   `json:"request,omitempty"`
	// Ambiguous is set when the gateway did not answer; the callback settles the outcome.
	Ambiguous bool `json:"ambiguous"`
}

// GatewayTopUpInput requests a wallet top-up through a gateway.
type GatewayTopUpInput struct {
	UserID   string `json:"-" validate:"required"`
	Gateway  string `json:"gateway" validate:"required"`
	Amount   int64  `json:"amount" validate:"gte=10000"`
	ClientIP string `json:"-"`
}

// CashTopUpInput is an operator-recorded cash deposit. Receipt makes it idempotent.
type CashTopUpInput struct {
	UserID  string `json:"-" validate:"required"`
	Amount  int64  `json:"amount" validate:"gte=1"`
	Receipt string `json:"receipt"`
	Note    string `json:"note"`
}

// AdjustInput is a signed operator correction.
type AdjustInput struct {
	UserID    string `json:"-" validate:"required"`
	Amount    int64  `json:"amount" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
	Reference string `json:"reference"`
}

// PaymentService exposes wallet operations and gateway payments.
type PaymentService struct {
	store    repository.Store
	ledger   *ledger.Ledger
	settle   *settlement.Coordinator
	gateways *gateway.Registry
	clock    clock.Clock
	logger   *zap.Logger
}

// NewPaymentService builds the service.
func NewPaymentService(
	store repository.Store,
	l *ledger.Ledger,
	settle *settlement.Coordinator,
	gateways *gateway.Registry,
	clk clock.Clock,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		store:    store,
		ledger:   l,
		settle:   settle,
		gateways: gateways,
		clock:    clk,
		logger:   logger,
	}
}

// OpenWallet creates the user's wallet when missing.
func (s *PaymentService) OpenWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		wallet, err = s.ledger.OpenWallet(ctx, tx, userID)
		return err
	})
	return wallet, err
}

// Balance returns the wallet balance.
func (s *PaymentService) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		balance, err = s.ledger.Balance(ctx, tx, userID)
		return err
	})
	return balance, err
}

// History returns recent wallet transactions.
func (s *PaymentService) History(ctx context.Context, userID string, limit int) ([]models.WalletTransaction, error) {
	var out []models.WalletTransaction
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = s.ledger.History(ctx, tx, userID, limit)
		return err
	})
	return out, err
}

// CashTopUp credits a cash deposit recorded by an operator.
func (s *PaymentService) CashTopUp(ctx context.Context, input CashTopUpInput) (ledger.Result, error) {
	if err := validation.Struct(input); err != nil {
		return ledger.Result{}, err
	}
	var res ledger.Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := s.ledger.OpenWallet(ctx, tx, input.UserID); err != nil {
			return err
		}
		var err error
		res, err = s.ledger.Credit(ctx, tx, ledger.Entry{
			UserID:      input.UserID,
			Amount:      input.Amount,
			Type:        models.TxTopUpCash,
			Description: describe("Cash top-up", input.Note),
			Reference:   prefixed("cash:", input.Receipt),
		})
		return err
	})
	if err != nil {
		return ledger.Result{}, err
	}
	s.logger.Info("cash top-up",
		zap.String("user_id", input.UserID),
		zap.Int64("amount", input.Amount),
		zap.Bool("replayed", res.Replayed),
	)
	return res, nil
}

// AdminAdjust applies a signed correction. Negative adjustments cannot overdraw the wallet.
func (s *PaymentService) AdminAdjust(ctx context.Context, input AdjustInput) (ledger.Result, error) {
	if err := validation.Struct(input); err != nil {
		return ledger.Result{}, err
	}
	entry := ledger.Entry{
		UserID:      input.UserID,
		Amount:      input.Amount,
		Type:        models.TxAdminAdjustment,
		Description: describe("Admin adjustment", input.Reason),
		Reference:   prefixed("adjust:", input.Reference),
	}
	var res ledger.Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if input.Amount < 0 {
			entry.Amount = -input.Amount
			res, err = s.ledger.Debit(ctx, tx, entry)
		} else {
			res, err = s.ledger.Credit(ctx, tx, entry)
		}
		return err
	})
	if err != nil {
		return ledger.Result{}, err
	}
	s.logger.Info("admin adjustment",
		zap.String("user_id", input.UserID),
		zap.Int64("amount", input.Amount),
		zap.String("reason", input.Reason),
	)
	return res, nil
}

// TopUpViaGateway records a PENDING top-up and places it with the gateway. The balance moves only
// when the signed callback arrives.
func (s *PaymentService) TopUpViaGateway(ctx context.Context, input GatewayTopUpInput) (*GatewayPayment, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	return s.startGatewayPayment(ctx, input.Gateway, ledger.Entry{
		UserID:      input.UserID,
		Amount:      input.Amount,
		Type:        models.TxTopUpGateway,
		Description: "Wallet top-up",
	}, input.ClientIP)
}

// PaySessionViaGateway raises a gateway payment for the outstanding amount of a session.
func (s *PaymentService) PaySessionViaGateway(ctx context.Context, userID, sessionID, gatewayName, clientIP string) (*GatewayPayment, error) {
	var due int64
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		session, err := s.settle.OutstandingSession(ctx, tx, userID, sessionID, false)
		if err != nil {
			return err
		}
		due = session.AmountDue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.startGatewayPayment(ctx, gatewayName, ledger.Entry{
		UserID:      userID,
		Amount:      due,
		Type:        models.TxTopUpGateway,
		Description: "Payment for session " + sessionID,
		SessionID:   sessionID,
	}, clientIP)
}

// PaySessionFromWallet pays an AWAITING_PAYMENT session from the balance.
func (s *PaymentService) PaySessionFromWallet(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return s.settle.PaySessionFromWallet(ctx, userID, sessionID)
}

func (s *PaymentService) startGatewayPayment(ctx context.Context, gatewayName string, entry ledger.Entry, clientIP string) (*GatewayPayment, error) {
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	entry.Gateway = gw.Name()
	entry.ExternalID = newExternalID(now)

	var txn *models.WalletTransaction
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := s.ledger.OpenWallet(ctx, tx, entry.UserID); err != nil {
			return err
		}
		var err error
		txn, err = s.ledger.OpenPending(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}

	req, err := gw.BuildPaymentRequest(ctx, gateway.Order{
		ExternalID:  entry.ExternalID,
		UserID:      entry.UserID,
		Amount:      entry.Amount,
		Description: entry.Description,
		ClientIP:    clientIP,
		CreatedAt:   now,
	})
	switch {
	case errors.Is(err, gateway.ErrAmbiguous):
		s.logger.Warn("gateway payment outcome unknown, left pending",
			zap.String("external_id", entry.ExternalID),
			zap.String("gateway", gw.Name()),
		)
		return &GatewayPayment{Transaction: txn, Request: req, Ambiguous: true}, nil
	case err != nil:
		s.failPending(ctx, txn)
		return nil, err
	}

	s.logger.Info("gateway payment opened",
		zap.String("external_id", entry.ExternalID),
		zap.String("gateway", gw.Name()),
		zap.Int64("amount", entry.Amount),
	)
	return &GatewayPayment{Transaction: txn, Request: req}, nil
}

func (s *PaymentService) failPending(ctx context.Context, txn *models.WalletTransaction) {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.Transactions().GetByExternalIDForUpdate(ctx, txn.ExternalTransactionID)
		if err != nil {
			return err
		}
		if current.Status != models.TxPending {
			return nil
		}
		return s.ledger.FailPending(ctx, tx, current)
	})
	if err != nil {
		s.logger.Error("failed to mark rejected payment", zap.String("external_id", txn.ExternalTransactionID), zap.Error(err))
	}
}

// UpsertPlan validates and stores a billing plan.
func (s *PaymentService) UpsertPlan(ctx context.Context, plan models.Plan) (*models.Plan, error) {
	if res := pricing.ValidatePlan(plan); !res.Valid {
		return nil, &PlanViolationError{Violations: res.Violations}
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.clock.Now()
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Plans().Upsert(ctx, &plan)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("plan saved", zap.String("plan_id", plan.ID), zap.String("billing_type", string(plan.BillingType)))
	return &plan, nil
}

// SubscribePlan debits the monthly fee and extends the subscription by one period.
func (s *PaymentService) SubscribePlan(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		plan, err := tx.Plans().Get(ctx, planID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPlanNotFound
		}
		if err != nil {
			return err
		}
		if !plan.IsActive || plan.BillingType != models.BillingSubscription {
			return ErrPlanNotSubscribe
		}

		now := s.clock.Now()
		from := now
		current, err := tx.Plans().GetSubscription(ctx, userID, now)
		switch {
		case err == nil && current.PlanID == planID:
			from = current.ValidUntil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return err
		}

		res, err := s.ledger.Debit(ctx, tx, ledger.Entry{
			UserID:      userID,
			Amount:      plan.MonthlyFee,
			Type:        models.TxPlanSubscription,
			Description: "Subscription " + plan.Name,
			Reference:   "plan:" + plan.ID + ":" + from.Format("2006-01-02T15:04"),
		})
		if err != nil {
			return err
		}
		// The fee for this period was already taken; nothing new was paid for.
		if res.Replayed {
			if current == nil {
				return ErrSubscriptionReplayed
			}
			sub = current
			return nil
		}
		sub = &models.Subscription{
			UserID:     userID,
			PlanID:     plan.ID,
			ValidUntil: from.Add(subscriptionPeriod),
			CreatedAt:  now,
		}
		return tx.Plans().UpsertSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("plan subscribed", zap.String("user_id", userID), zap.String("plan_id", planID), zap.Time("valid_until", sub.ValidUntil))
	return sub, nil
}

func newExternalID(now time.Time) string {
	return now.Format("060102") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func describe(prefix, detail string) string {
	if detail == "" {
		return prefix
	}
	return prefix + ": " + detail
}

func prefixed(prefix, key string) string {
	if key == "" {
		return ""
	}
	return prefix + key
}
