// Package settlement turns booking and session lifecycle events into wallet mutations. Every
// handler opens its own unit of work so a failed settlement never unwinds booking or session state.
package settlement

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

var (
	ErrSessionNotFinished = fmt.Errorf("settlement: session still active: %w", apperr.ErrStateConflict)
	ErrNothingDue         = fmt.Errorf("settlement: session has no outstanding amount: %w", apperr.ErrStateConflict)
	ErrSessionNotFound    = fmt.Errorf("settlement: session %w", apperr.ErrNotFound)
	ErrBookingNotFound    = fmt.Errorf("settlement: booking %w", apperr.ErrNotFound)
)

// BookingReference is the ledger reference of a booking deposit.
func BookingReference(bookingID string) string { return "booking:" + bookingID }

// SessionReference is the ledger reference of a session settlement.
func SessionReference(sessionID string) string { return "session:" + sessionID }

// SessionPaymentReference is the ledger reference of a late session payment.
func SessionPaymentReference(sessionID string) string { return "session-payment:" + sessionID }

// Outcome summarizes a settlement.
type Outcome struct {
	SessionID     string
	TotalCost     int64
	DepositOffset int64
	Refunded      int64
	Charged       int64
	AmountDue     int64
	PaymentStatus models.PaymentStatus
	// Replayed is true when the session had already been settled.
	Replayed bool
}

// Coordinator applies deposits, refunds and usage charges.
type Coordinator struct {
	store     repository.Store
	ledger    *ledger.Ledger
	publisher ledger.Publisher
	logger    *zap.Logger
}

// NewCoordinator builds a coordinator.
func NewCoordinator(store repository.Store, l *ledger.Ledger, publisher ledger.Publisher, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		ledger:    l,
		publisher: publisher,
		logger:    logger,
	}
}

// Register subscribes the coordinator's handlers. They are critical and run in their own unit of work.
func (c *Coordinator) Register(bus *events.Bus) error {
	subs := []events.Subscription{
		{
			Name:    "settlement.collect_deposit",
			Event:   events.BookingCreated,
			Handler: events.On(c.onBookingCreated),
		},
		{
			Name:    "settlement.forfeit_on_cancel",
			Event:   events.BookingCancelled,
			Handler: events.On(c.onForfeit),
		},
		{
			Name:    "settlement.forfeit_on_expiry",
			Event:   events.BookingExpired,
			Handler: events.On(c.onForfeit),
		},
		{
			Name:    "settlement.settle_session",
			Event:   events.SessionCompleted,
			Handler: events.On(c.onSessionCompleted),
		},
	}
	for _, sub := range subs {
		sub.Isolation = events.IndependentUnitOfWork
		sub.Delivery = events.Critical
		if err := bus.Subscribe(sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) onBookingCreated(ctx context.Context, _ repository.Tx, evt events.BookingEvent) error {
	_, err := c.CollectDeposit(ctx, evt.BookingID)
	return err
}

// onForfeit records the kept deposit. A booking closed before its deposit was collected forfeits nothing.
func (c *Coordinator) onForfeit(ctx context.Context, _ repository.Tx, evt events.BookingEvent) error {
	var collected *models.WalletTransaction
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		txn, err := tx.Transactions().FindByReference(ctx, evt.UserID, models.TxBookingDeposit, BookingReference(evt.BookingID))
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if txn.Status == models.TxCompleted {
			collected = txn
		}
		return nil
	})
	if err != nil {
		return err
	}
	if collected == nil {
		c.logger.Info("booking closed without collected deposit",
			zap.String("booking_id", evt.BookingID),
			zap.String("user_id", evt.UserID),
			zap.String("reason", evt.Type),
		)
		return nil
	}
	amount := collected.Amount
	if amount < 0 {
		amount = -amount
	}
	c.logger.Info("deposit forfeited",
		zap.String("booking_id", evt.BookingID),
		zap.String("user_id", evt.UserID),
		zap.String("reason", evt.Type),
		zap.String("transaction_id", collected.ID),
		zap.Int64("deposit", amount),
	)
	return nil
}

func (c *Coordinator) onSessionCompleted(ctx context.Context, _ repository.Tx, evt events.SessionCompletedEvent) error {
	_, err := c.SettleSession(ctx, evt.SessionID)
	return err
}

// CollectDeposit debits the booking deposit once. Insufficient funds, including a wallet that was
// never opened, leave the booking AWAITING_TOP_UP instead of failing.
func (c *Coordinator) CollectDeposit(ctx context.Context, bookingID string) (models.DepositStatus, error) {
	var status models.DepositStatus
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		booking, err := tx.Bookings().GetForUpdate(ctx, bookingID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrBookingNotFound
		}
		if err != nil {
			return err
		}
		status = booking.DepositStatus
		if booking.DepositStatus == models.DepositCharged || booking.Status != models.BookingConfirmed {
			return nil
		}

		next, balance, err := c.debitDeposit(ctx, tx, booking)
		if err != nil {
			return err
		}
		booking.DepositStatus = next
		if err := tx.Bookings().Update(ctx, booking); err != nil {
			return err
		}
		status = next

		evtType := events.DepositCollected
		if next == models.DepositAwaitingTopUp {
			evtType = events.DepositAwaiting
		}
		return c.publisher.PublishInTx(ctx, tx, events.DepositEvent{
			Type:      evtType,
			BookingID: booking.ID,
			UserID:    booking.UserID,
			Amount:    booking.DepositAmount,
			Balance:   balance,
		})
	})
	if err != nil {
		c.logger.Error("deposit collection failed", zap.String("booking_id", bookingID), zap.Error(err))
		return "", err
	}
	return status, nil
}

func (c *Coordinator) debitDeposit(ctx context.Context, tx repository.Tx, booking *models.Booking) (models.DepositStatus, int64, error) {
	if booking.DepositAmount <= 0 {
		return models.DepositCharged, 0, nil
	}
	res, err := c.ledger.Debit(ctx, tx, ledger.Entry{
		UserID:      booking.UserID,
		Amount:      booking.DepositAmount,
		Type:        models.TxBookingDeposit,
		Description: "Deposit for booking " + booking.ID,
		Reference:   BookingReference(booking.ID),
	})
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrWalletNotFound):
		c.logger.Warn("deposit awaiting top-up",
			zap.String("booking_id", booking.ID),
			zap.String("user_id", booking.UserID),
			zap.Int64("deposit", booking.DepositAmount),
		)
		return models.DepositAwaitingTopUp, 0, nil
	case err != nil:
		return "", 0, err
	}
	c.logger.Info("deposit collected",
		zap.String("booking_id", booking.ID),
		zap.Int64("deposit", booking.DepositAmount),
		zap.Int64("balance", res.Balance),
	)
	return models.DepositCharged, res.Balance, nil
}

// SettleSession offsets the collected deposit against the session cost: the surplus is refunded
// and the shortfall charged. It is a no-op for a session that was already settled.
func (c *Coordinator) SettleSession(ctx context.Context, sessionID string) (Outcome, error) {
	var out Outcome
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		session, err := tx.Sessions().GetForUpdate(ctx, sessionID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if !session.Status.Finished() {
			return ErrSessionNotFinished
		}
		out = Outcome{
			SessionID:     session.ID,
			TotalCost:     session.TotalCost,
			AmountDue:     session.AmountDue,
			PaymentStatus: session.PaymentStatus,
		}
		settled, err := tx.Transactions().HasReference(ctx, session.DriverID, SessionReference(session.ID))
		if err != nil {
			return err
		}
		if session.PaymentStatus != models.PaymentPending || settled {
			out.Replayed = true
			return nil
		}

		deposit, err := c.collectedDeposit(ctx, tx, session.BookingID)
		if err != nil {
			return err
		}
		out.DepositOffset = min(deposit, session.TotalCost)
		refund := max(0, deposit-session.TotalCost)
		extra := max(0, session.TotalCost-deposit)

		if refund > 0 {
			if _, err := c.ledger.Credit(ctx, tx, ledger.Entry{
				UserID:      session.DriverID,
				Amount:      refund,
				Type:        models.TxBookingDepositRefund,
				Description: "Deposit refund for session " + session.ID,
				Reference:   SessionReference(session.ID),
				SessionID:   session.ID,
			}); err != nil {
				return err
			}
			out.Refunded = refund
		}

		session.PaymentStatus = models.PaymentPaid
		session.AmountDue = 0
		if extra > 0 {
			_, err := c.ledger.Debit(ctx, tx, ledger.Entry{
				UserID:      session.DriverID,
				Amount:      extra,
				Type:        models.TxChargingPayment,
				Description: "Charging payment for session " + session.ID,
				Reference:   SessionReference(session.ID),
				SessionID:   session.ID,
			})
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrWalletNotFound):
				session.PaymentStatus = models.PaymentAwaitingPayment
				session.AmountDue = extra
			case err != nil:
				return err
			default:
				out.Charged = extra
			}
		}
		if err := tx.Sessions().Update(ctx, session); err != nil {
			return err
		}
		out.PaymentStatus = session.PaymentStatus
		out.AmountDue = session.AmountDue

		return c.publisher.PublishInTx(ctx, tx, events.SessionSettledEvent{
			SessionID:     session.ID,
			DriverID:      session.DriverID,
			TotalCost:     session.TotalCost,
			DepositOffset: out.DepositOffset,
			Refunded:      out.Refunded,
			Charged:       out.Charged,
			AmountDue:     out.AmountDue,
		})
	})
	if err != nil {
		c.logger.Error("session settlement failed", zap.String("session_id", sessionID), zap.Error(err))
		return Outcome{}, err
	}
	if out.Replayed {
		c.logger.Info("session already settled", zap.String("session_id", sessionID))
	} else {
		c.logger.Info("session settled",
			zap.String("session_id", sessionID),
			zap.Int64("total_cost", out.TotalCost),
			zap.Int64("refunded", out.Refunded),
			zap.Int64("charged", out.Charged),
			zap.Int64("amount_due", out.AmountDue),
		)
	}
	return out, nil
}

func (c *Coordinator) collectedDeposit(ctx context.Context, tx repository.Tx, bookingID string) (int64, error) {
	if bookingID == "" {
		return 0, nil
	}
	booking, err := tx.Bookings().Get(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if booking.DepositStatus != models.DepositCharged {
		return 0, nil
	}
	return booking.DepositAmount, nil
}

// PaySessionFromWallet retries the outstanding charge of an AWAITING_PAYMENT session.
func (c *Coordinator) PaySessionFromWallet(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var session *models.Session
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		session, err = c.PayOutstanding(ctx, tx, userID, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// PayOutstanding debits the session's AmountDue inside tx and marks it PAID.
func (c *Coordinator) PayOutstanding(ctx context.Context, tx repository.Tx, userID, sessionID string) (*models.Session, error) {
	session, err := c.OutstandingSession(ctx, tx, userID, sessionID, true)
	if err != nil {
		return nil, err
	}
	res, err := c.ledger.Debit(ctx, tx, ledger.Entry{
		UserID:      userID,
		Amount:      session.AmountDue,
		Type:        models.TxChargingPayment,
		Description: "Outstanding payment for session " + session.ID,
		Reference:   SessionPaymentReference(session.ID),
		SessionID:   session.ID,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("session paid",
		zap.String("session_id", session.ID),
		zap.Int64("amount", session.AmountDue),
		zap.Int64("balance", res.Balance),
	)
	session.PaymentStatus = models.PaymentPaid
	session.AmountDue = 0
	if err := tx.Sessions().Update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// OutstandingSession loads a session of userID that still owes money. Sessions of other users are
// reported as missing.
func (c *Coordinator) OutstandingSession(ctx context.Context, tx repository.Tx, userID, sessionID string, forUpdate bool) (*models.Session, error) {
	get := tx.Sessions().Get
	if forUpdate {
		get = tx.Sessions().GetForUpdate
	}
	session, err := get(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && session.DriverID != userID) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.PaymentStatus != models.PaymentAwaitingPayment || session.AmountDue <= 0 {
		return nil, ErrNothingDue
	}
	return session, nil
}
