package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/repository/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) PublishInTx(_ context.Context, tx repository.Tx, evt events.Event) error {
	tx.AfterCommit(func() {
		p.mu.Lock()
		p.events = append(p.events, evt)
		p.mu.Unlock()
	})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	store     *memory.Store
	ledger    *Ledger
	publisher *recordingPublisher
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	pub := &recordingPublisher{}
	f := &fixture{
		store:     memory.NewStore(),
		ledger:    New(pub, clock.NewFake(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)), 0, zap.NewNop()),
		publisher: pub,
	}
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		if _, err := f.ledger.OpenWallet(ctx, tx, "u1"); err != nil {
			return err
		}
		if balance > 0 {
			_, err := f.ledger.Credit(ctx, tx, Entry{UserID: "u1", Amount: balance, Type: models.TxTopUpCash})
			return err
		}
		return nil
	})
	return f
}

func (f *fixture) run(t *testing.T, fn func(ctx context.Context, tx repository.Tx) error) {
	t.Helper()
	if err := f.store.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("unit of work: %v", err)
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	var balance int64
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		if err := f.ledger.VerifyInvariant(ctx, tx, "u1"); err != nil {
			return err
		}
		var err error
		balance, err = f.ledger.Balance(ctx, tx, "u1")
		return err
	})
	return balance
}

func TestDebitAndCredit(t *testing.T) {
	f := newFixture(t, 200_000)

	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		res, err := f.ledger.Debit(ctx, tx, Entry{UserID: "u1", Amount: 50_000, Type: models.TxBookingDeposit, Reference: "booking:b1"})
		if err != nil {
			return err
		}
		if res.Balance != 150_000 || res.Transaction.Amount != -50_000 || res.Transaction.BalanceAfter != 150_000 {
			t.Fatalf("unexpected debit result %+v", res)
		}
		return nil
	})

	if got := f.balance(t); got != 150_000 {
		t.Fatalf("expected 150000, got %d", got)
	}
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, 1000)
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		_, err := f.ledger.Debit(ctx, tx, Entry{UserID: "u1", Amount: 0, Type: models.TxChargingPayment})
		return err
	})
	if !errors.Is(err, ErrInvalidAmount) || apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	f := newFixture(t, 1000)
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		_, err := f.ledger.Debit(ctx, tx, Entry{UserID: "u1", Amount: 1001, Type: models.TxChargingPayment})
		return err
	})
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := f.balance(t); got != 1000 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestReferenceReplayIsNoop(t *testing.T) {
	f := newFixture(t, 200_000)
	for i := 0; i < 3; i++ {
		f.run(t, func(ctx context.Context, tx repository.Tx) error {
			res, err := f.ledger.Debit(ctx, tx, Entry{UserID: "u1", Amount: 50_000, Type: models.TxBookingDeposit, Reference: "booking:b1"})
			if err != nil {
				return err
			}
			if i > 0 && !res.Replayed {
				t.Fatalf("replay %d was applied", i)
			}
			return nil
		})
	}
	if got := f.balance(t); got != 150_000 {
		t.Fatalf("expected single debit, got balance %d", got)
	}
}

func TestLowBalanceWarning(t *testing.T) {
	f := newFixture(t, 120_000)
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := f.ledger.Debit(ctx, tx, Entry{UserID: "u1", Amount: 10_000, Type: models.TxChargingPayment})
		return err
	})
	if f.publisher.count() != 0 {
		t.Fatalf("no warning expected above threshold")
	}
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := f.ledger.Debit(ctx, tx, Entry{UserID: "u1", Amount: 20_000, Type: models.TxChargingPayment})
		return err
	})
	if f.publisher.count() != 1 {
		t.Fatalf("expected one low balance warning, got %d", f.publisher.count())
	}
}

func TestPendingLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	var pending *models.WalletTransaction
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		pending, err = f.ledger.OpenPending(ctx, tx, Entry{UserID: "u1", Amount: 70_000, Type: models.TxTopUpGateway, ExternalID: "ext-1", Gateway: "redirect"})
		return err
	})
	if got := f.balance(t); got != 0 {
		t.Fatalf("pending row must not change balance, got %d", got)
	}

	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		txn, err := tx.Transactions().GetByExternalIDForUpdate(ctx, "ext-1")
		if err != nil {
			return err
		}
		_, err = f.ledger.CompletePending(ctx, tx, txn)
		return err
	})
	if got := f.balance(t); got != 70_000 {
		t.Fatalf("expected 70000, got %d", got)
	}

	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		txn, err := tx.Transactions().GetByExternalIDForUpdate(ctx, pending.ExternalTransactionID)
		if err != nil {
			return err
		}
		_, err = f.ledger.CompletePending(ctx, tx, txn)
		return err
	})
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected not pending, got %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t, 100_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
				_, err := f.ledger.Debit(ctx, tx, Entry{UserID: "u1", Amount: 10_000, Type: models.TxChargingPayment})
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected 10 successful debits, got %d", succeeded)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("expected zero balance, got %d", got)
	}
}

var errTxAborted = errors.New("current transaction is aborted")

// abortingTx fails every wallet call after a failed write, the way Postgres does.
type abortingTx struct {
	repository.Tx
	aborted bool
}

func (t *abortingTx) Wallets() repository.WalletRepository {
	return abortingWallets{WalletRepository: t.Tx.Wallets(), tx: t}
}

type abortingWallets struct {
	repository.WalletRepository
	tx *abortingTx
}

func (w abortingWallets) Create(ctx context.Context, wallet *models.Wallet) error {
	if w.tx.aborted {
		return errTxAborted
	}
	err := w.WalletRepository.Create(ctx, wallet)
	if err != nil {
		w.tx.aborted = true
	}
	return err
}

func (w abortingWallets) Get(ctx context.Context, userID string) (*models.Wallet, error) {
	if w.tx.aborted {
		return nil, errTxAborted
	}
	return w.WalletRepository.Get(ctx, userID)
}

func TestOpenWalletReturnsExistingWithoutFailedWrite(t *testing.T) {
	f := newFixture(t, 25_000)
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		wallet, err := f.ledger.OpenWallet(ctx, &abortingTx{Tx: tx}, "u1")
		if err != nil {
			return err
		}
		if wallet.Balance != 25_000 {
			t.Errorf("expected existing wallet, got balance %d", wallet.Balance)
		}
		created, err := f.ledger.OpenWallet(ctx, &abortingTx{Tx: tx}, "u2")
		if err != nil {
			return err
		}
		if created.UserID != "u2" || created.Balance != 0 {
			t.Errorf("unexpected new wallet %+v", created)
		}
		return nil
	})
	if _, err := f.ledger.OpenWallet(context.Background(), nil, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("empty user id must be rejected, got %v", err)
	}
}

func TestInvariantIgnoresUnsettledGatewayRows(t *testing.T) {
	f := newFixture(t, 30_000)
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		if _, err := f.ledger.OpenPending(ctx, tx, Entry{UserID: "u1", Amount: 50_000, Type: models.TxTopUpGateway, ExternalID: "ext-open", Gateway: "qrwallet"}); err != nil {
			return err
		}
		failed, err := f.ledger.OpenPending(ctx, tx, Entry{UserID: "u1", Amount: 20_000, Type: models.TxTopUpGateway, ExternalID: "ext-failed", Gateway: "qrwallet"})
		if err != nil {
			return err
		}
		return f.ledger.FailPending(ctx, tx, failed)
	})
	if got := f.balance(t); got != 30_000 {
		t.Fatalf("unsettled rows must not move the balance, got %d", got)
	}

	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		history, err := f.ledger.History(ctx, tx, "u1", 10)
		if err != nil {
			return err
		}
		amounts := map[models.TransactionStatus]int64{}
		for _, txn := range history {
			amounts[txn.Status] += txn.Amount
		}
		if amounts[models.TxPending] != 50_000 || amounts[models.TxFailed] != 20_000 || amounts[models.TxCompleted] != 30_000 {
			t.Errorf("unexpected amounts by status %v", amounts)
		}
		return nil
	})
}
