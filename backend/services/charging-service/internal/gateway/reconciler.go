package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/ledger"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

// SessionPayer settles an outstanding session charge inside the caller's unit of work.
type SessionPayer interface {
	PayOutstanding(ctx context.Context, tx repository.Tx, userID, sessionID string) (*models.Session, error)
}

// Reconciliation is the outcome of one callback. Duplicate is set when the transaction had
// already left PENDING.
type Reconciliation struct {
	Transaction *models.WalletTransaction
	Duplicate   bool
	Balance     int64
}

// Reconciler applies verified gateway callbacks to pending wallet transactions exactly once.
type Reconciler struct {
	store     repository.Store
	ledger    *ledger.Ledger
	gateways  *Registry
	sessions  SessionPayer
	publisher ledger.Publisher
	logger    *zap.Logger
}

// NewReconciler builds a reconciler.
func NewReconciler(
	store repository.Store,
	l *ledger.Ledger,
	gateways *Registry,
	sessions SessionPayer,
	publisher ledger.Publisher,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store:     store,
		ledger:    l,
		gateways:  gateways,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
	}
}

// ApplyCallback verifies the signature before touching any state, then completes or fails the
// pending transaction. Callbacks for unknown transactions are rejected, never recorded.
func (r *Reconciler) ApplyCallback(ctx context.Context, gatewayName string, raw RawCallback) (Reconciliation, error) {
	gw, err := r.gateways.Get(gatewayName)
	if err != nil {
		return Reconciliation{}, err
	}
	cb, err := gw.ParseCallback(raw)
	if err != nil {
		r.logger.Warn("malformed gateway callback", zap.String("gateway", gatewayName), zap.Error(err))
		return Reconciliation{}, err
	}
	if err := gw.VerifyCallback(cb); err != nil {
		r.logger.Warn("gateway callback signature rejected",
			zap.String("gateway", gatewayName),
			zap.String("external_id", cb.ExternalID),
		)
		return Reconciliation{}, err
	}

	var out Reconciliation
	err = r.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		txn, err := tx.Transactions().GetByExternalIDForUpdate(ctx, cb.ExternalID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && txn.Gateway != gw.Name()) {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, cb.ExternalID)
		}
		if err != nil {
			return err
		}
		out.Transaction = txn
		if txn.Status != models.TxPending {
			out.Duplicate = true
			out.Balance = txn.BalanceAfter
			return nil
		}
		if cb.Amount != txn.Amount {
			return fmt.Errorf("%w: expected %d got %d", ErrAmountMismatch, txn.Amount, cb.Amount)
		}

		if !cb.Success {
			if err := r.ledger.FailPending(ctx, tx, txn); err != nil {
				return err
			}
			out.Balance = txn.BalanceAfter
			return r.publisher.PublishInTx(ctx, tx, paymentEvent(events.PaymentFailed, txn))
		}

		balance, err := r.ledger.CompletePending(ctx, tx, txn)
		if err != nil {
			return err
		}
		out.Balance = balance
		if txn.SessionID != "" {
			if err := r.paySession(ctx, tx, txn); err != nil {
				return err
			}
		}
		return r.publisher.PublishInTx(ctx, tx, paymentEvent(events.PaymentCompleted, txn))
	})
	if err != nil {
		return Reconciliation{}, err
	}

	if out.Duplicate {
		r.logger.Info("duplicate gateway callback ignored",
			zap.String("gateway", gatewayName),
			zap.String("external_id", cb.ExternalID),
			zap.String("status", string(out.Transaction.Status)),
		)
	} else {
		r.logger.Info("gateway callback applied",
			zap.String("gateway", gatewayName),
			zap.String("external_id", cb.ExternalID),
			zap.String("status", string(out.Transaction.Status)),
			zap.Int64("amount", out.Transaction.Amount),
		)
	}
	return out, nil
}

// paySession spends the freshly credited amount on the session it was raised for. A session that
// was meanwhile paid from the wallet keeps the credit as balance.
func (r *Reconciler) paySession(ctx context.Context, tx repository.Tx, txn *models.WalletTransaction) error {
	session, err := r.sessions.PayOutstanding(ctx, tx, txn.WalletID, txn.SessionID)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindStateConflict:
			r.logger.Warn("gateway payment kept as balance",
				zap.String("session_id", txn.SessionID),
				zap.Error(err),
			)
			return nil
		default:
			return err
		}
	}
	r.logger.Info("session paid through gateway", zap.String("session_id", session.ID))
	return nil
}

func paymentEvent(typ string, txn *models.WalletTransaction) events.PaymentEvent {
	return events.PaymentEvent{
		Type:          typ,
		UserID:        txn.WalletID,
		TransactionID: txn.ID,
		ExternalID:    txn.ExternalTransactionID,
		Gateway:       txn.Gateway,
		Amount:        txn.Amount,
		SessionID:     txn.SessionID,
	}
}
