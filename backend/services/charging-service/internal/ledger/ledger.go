// Package ledger applies wallet balance changes together with their append-only transaction rows.
// Every function takes the caller's unit of work; the wallet row is locked before it is read so
// mutations for one user serialize.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

// DefaultLowBalanceThreshold is the balance under which a warning is published.
const DefaultLowBalanceThreshold int64 = 100_000

var (
	ErrInvalidAmount     = fmt.Errorf("ledger: amount must be positive: %w", apperr.ErrValidation)
	ErrInsufficientFunds = fmt.Errorf("ledger: %w", apperr.ErrInsufficientFunds)
	ErrWalletNotFound    = fmt.Errorf("ledger: wallet %w", apperr.ErrNotFound)
	ErrNotPending        = fmt.Errorf("ledger: transaction is not pending: %w", apperr.ErrStateConflict)
	ErrInvariantBroken   = errors.New("ledger: balance does not match ledger")
)

// Publisher schedules events for after the unit of work commits.
type Publisher interface {
	PublishInTx(ctx context.Context, tx repository.Tx, evt events.Event) error
}

// Entry describes one balance change. Amount is always positive; the direction comes from the call.
type Entry struct {
	UserID      string
	Amount      int64
	Type        models.TransactionType
	Description string
	// Reference makes the mutation idempotent per (wallet, type, reference).
	Reference  string
	SessionID  string
	ExternalID string
	Gateway    string
}

// Result is the outcome of a mutation.
type Result struct {
	Transaction *models.WalletTransaction `json:"transaction"`
	Balance     int64                     `json:"balance"`
	// Replayed is true when Reference matched an existing row and nothing changed.
	Replayed bool `json:"replayed"`
}

// Ledger owns wallet mutations.
type Ledger struct {
	publisher Publisher
	clock     clock.Clock
	threshold int64
	logger    *zap.Logger
}

// New builds a ledger. A non-positive threshold falls back to DefaultLowBalanceThreshold.
func New(publisher Publisher, clk clock.Clock, threshold int64, logger *zap.Logger) *Ledger {
	if threshold <= 0 {
		threshold = DefaultLowBalanceThreshold
	}
	return &Ledger{
		publisher: publisher,
		clock:     clk,
		threshold: threshold,
		logger:    logger,
	}
}

// OpenWallet creates an empty wallet, returning the existing one when already present.
func (l *Ledger) OpenWallet(ctx context.Context, tx repository.Tx, userID string) (*models.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("ledger: user id required: %w", apperr.ErrValidation)
	}
	existing, err := tx.Wallets().Get(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	wallet := &models.Wallet{UserID: userID, UpdatedAt: l.clock.Now()}
	err = tx.Wallets().Create(ctx, wallet)
	if errors.Is(err, repository.ErrDuplicate) {
		return tx.Wallets().Get(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Debit withdraws e.Amount. It fails with ErrInsufficientFunds rather than going negative.
func (l *Ledger) Debit(ctx context.Context, tx repository.Tx, e Entry) (Result, error) {
	return l.apply(ctx, tx, e, -1)
}

// Credit deposits e.Amount.
func (l *Ledger) Credit(ctx context.Context, tx repository.Tx, e Entry) (Result, error) {
	return l.apply(ctx, tx, e, 1)
}

func (l *Ledger) apply(ctx context.Context, tx repository.Tx, e Entry, sign int64) (Result, error) {
	if e.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	wallet, err := l.lockWallet(ctx, tx, e.UserID)
	if err != nil {
		return Result{}, err
	}

	if e.Reference != "" {
		existing, err := tx.Transactions().FindByReference(ctx, wallet.UserID, e.Type, e.Reference)
		if err == nil {
			return Result{Transaction: existing, Balance: wallet.Balance, Replayed: true}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return Result{}, err
		}
	}

	balance := wallet.Balance + sign*e.Amount
	if balance < 0 {
		return Result{}, ErrInsufficientFunds
	}

	now := l.clock.Now()
	txn := &models.WalletTransaction{
		ID:                    uuid.NewString(),
		WalletID:              wallet.UserID,
		Amount:                sign * e.Amount,
		Type:                  e.Type,
		BalanceAfter:          balance,
		ExternalTransactionID: e.ExternalID,
		Reference:             e.Reference,
		Gateway:               e.Gateway,
		SessionID:             e.SessionID,
		Status:                models.TxCompleted,
		Description:           e.Description,
		CreatedAt:             now,
		CompletedAt:           &now,
	}
	if err := tx.Transactions().Insert(ctx, txn); err != nil {
		return Result{}, err
	}
	if err := tx.Wallets().UpdateBalance(ctx, wallet.UserID, balance, now); err != nil {
		return Result{}, err
	}

	if sign < 0 {
		if err := l.warnLowBalance(ctx, tx, wallet.UserID, balance); err != nil {
			return Result{}, err
		}
	}
	return Result{Transaction: txn, Balance: balance}, nil
}

// OpenPending records a gateway payment that has not been confirmed yet. The balance is untouched
// until CompletePending.
func (l *Ledger) OpenPending(ctx context.Context, tx repository.Tx, e Entry) (*models.WalletTransaction, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if e.ExternalID == "" {
		return nil, fmt.Errorf("ledger: external id required: %w", apperr.ErrValidation)
	}
	wallet, err := tx.Wallets().Get(ctx, e.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	txn := &models.WalletTransaction{
		ID:                    uuid.NewString(),
		WalletID:              wallet.UserID,
		Amount:                e.Amount,
		Type:                  e.Type,
		BalanceAfter:          wallet.Balance,
		ExternalTransactionID: e.ExternalID,
		Reference:             e.Reference,
		Gateway:               e.Gateway,
		SessionID:             e.SessionID,
		Status:                models.TxPending,
		Description:           e.Description,
		CreatedAt:             l.clock.Now(),
	}
	if err := tx.Transactions().Insert(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// CompletePending credits a pending row and marks it COMPLETED.
func (l *Ledger) CompletePending(ctx context.Context, tx repository.Tx, txn *models.WalletTransaction) (int64, error) {
	if txn.Status != models.TxPending {
		return 0, ErrNotPending
	}
	wallet, err := l.lockWallet(ctx, tx, txn.WalletID)
	if err != nil {
		return 0, err
	}
	balance := wallet.Balance + txn.Amount
	if balance < 0 {
		return 0, ErrInsufficientFunds
	}
	now := l.clock.Now()
	if err := tx.Wallets().UpdateBalance(ctx, wallet.UserID, balance, now); err != nil {
		return 0, err
	}
	if err := tx.Transactions().MarkStatus(ctx, txn.ID, models.TxCompleted, balance, now); err != nil {
		return 0, err
	}
	txn.Status = models.TxCompleted
	txn.BalanceAfter = balance
	txn.CompletedAt = &now
	return balance, nil
}

// FailPending marks a pending row FAILED without touching the balance.
func (l *Ledger) FailPending(ctx context.Context, tx repository.Tx, txn *models.WalletTransaction) error {
	if txn.Status != models.TxPending {
		return ErrNotPending
	}
	now := l.clock.Now()
	if err := tx.Transactions().MarkStatus(ctx, txn.ID, models.TxFailed, txn.BalanceAfter, now); err != nil {
		return err
	}
	txn.Status = models.TxFailed
	txn.CompletedAt = &now
	return nil
}

// Balance returns the stored balance.
func (l *Ledger) Balance(ctx context.Context, tx repository.Tx, userID string) (int64, error) {
	wallet, err := tx.Wallets().Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, ErrWalletNotFound
	}
	if err != nil {
		return 0, err
	}
	return wallet.Balance, nil
}

// History returns the newest transactions first.
func (l *Ledger) History(ctx context.Context, tx repository.Tx, userID string, limit int) ([]models.WalletTransaction, error) {
	if _, err := l.Balance(ctx, tx, userID); err != nil {
		return nil, err
	}
	return tx.Transactions().ListByWallet(ctx, userID, limit)
}

// VerifyInvariant checks that the COMPLETED rows fold to the stored balance. Gateway rows count
// only once their callback completes them.
func (l *Ledger) VerifyInvariant(ctx context.Context, tx repository.Tx, userID string) error {
	balance, err := l.Balance(ctx, tx, userID)
	if err != nil {
		return err
	}
	sum, err := tx.Transactions().SumCompleted(ctx, userID)
	if err != nil {
		return err
	}
	if sum != balance {
		return fmt.Errorf("%w: wallet %s balance %d ledger %d", ErrInvariantBroken, userID, balance, sum)
	}
	return nil
}

func (l *Ledger) lockWallet(ctx context.Context, tx repository.Tx, userID string) (*models.Wallet, error) {
	wallet, err := tx.Wallets().GetForUpdate(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrWalletNotFound
	}
	return wallet, err
}

func (l *Ledger) warnLowBalance(ctx context.Context, tx repository.Tx, userID string, balance int64) error {
	if balance >= l.threshold || l.publisher == nil {
		return nil
	}
	l.logger.Info("wallet below threshold", zap.String("user_id", userID), zap.Int64("balance", balance))
	return l.publisher.PublishInTx(ctx, tx, events.LowBalanceEvent{
		UserID:    userID,
		Balance:   balance,
		Threshold: l.threshold,
	})
}
