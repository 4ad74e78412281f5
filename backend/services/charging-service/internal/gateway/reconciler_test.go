package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/ledger"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/repository/memory"
	"evcharge/backend/services/charging-service/internal/settlement"
)

func qrCallbackBody(data, mac string) []byte {
	body, _ := json.Marshal(map[string]string{"data": data, "mac": mac})
	return body
}

type reconcilerFixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	rec    *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	bus := events.NewBus(nil, zap.NewNop())
	store := memory.NewStore()
	l := ledger.New(bus, clock.NewFake(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)), 0, zap.NewNop())
	coord := settlement.NewCoordinator(store, l, bus, zap.NewNop())
	reg := NewRegistry(
		NewQRWalletGateway(QRWalletConfig{AppID: "2553", Key1: "k1", Key2: "k2"}, nil, zap.NewNop()),
		NewRedirectGateway(RedirectConfig{HashSecret: "secret"}),
	)
	f := &reconcilerFixture{
		store:  store,
		ledger: l,
		rec:    NewReconciler(store, l, reg, coord, bus, zap.NewNop()),
	}
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := l.OpenWallet(ctx, tx, "u1")
		return err
	})
	return f
}

func (f *reconcilerFixture) run(t *testing.T, fn func(ctx context.Context, tx repository.Tx) error) {
	t.Helper()
	if err := f.store.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("unit of work: %v", err)
	}
}

func (f *reconcilerFixture) openPending(t *testing.T, externalID string, amount int64, sessionID string) {
	t.Helper()
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := f.ledger.OpenPending(ctx, tx, ledger.Entry{
			UserID:     "u1",
			Amount:     amount,
			Type:       models.TxTopUpGateway,
			ExternalID: externalID,
			Gateway:    QRWalletName,
			SessionID:  sessionID,
		})
		return err
	})
}

func (f *reconcilerFixture) balance(t *testing.T) int64 {
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

func (f *reconcilerFixture) status(t *testing.T, externalID string) models.TransactionStatus {
	t.Helper()
	var status models.TransactionStatus
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		txn, err := tx.Transactions().GetByExternalIDForUpdate(ctx, externalID)
		if err != nil {
			return err
		}
		status = txn.Status
		return nil
	})
	return status
}

func signedQR(externalID string, amount int64, extra string) RawCallback {
	data := fmt.Sprintf(`{"app_id":2553,"app_trans_id":%q,"app_user":"u1","amount":%d,"zp_trans_id":1%s}`, externalID, amount, extra)
	return RawCallback{Body: qrCallbackBody(data, hmacSHA256("k2", data))}
}

func TestDuplicateCallbackCreditsOnce(t *testing.T) {
	f := newReconcilerFixture(t)
	f.openPending(t, "ext-1", 200_000, "")
	if got := f.balance(t); got != 0 {
		t.Fatalf("pending must not move balance, got %d", got)
	}

	first, err := f.rec.ApplyCallback(context.Background(), QRWalletName, signedQR("ext-1", 200_000, ""))
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if first.Duplicate || first.Balance != 200_000 {
		t.Fatalf("unexpected first outcome %+v", first)
	}

	second, err := f.rec.ApplyCallback(context.Background(), QRWalletName, signedQR("ext-1", 200_000, ""))
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	if got := f.balance(t); got != 200_000 {
		t.Fatalf("expected a single credit, got %d", got)
	}
	if got := f.status(t, "ext-1"); got != models.TxCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
}

func TestTamperedCallbackLeavesStateUntouched(t *testing.T) {
	f := newReconcilerFixture(t)
	f.openPending(t, "ext-1", 200_000, "")

	data := `{"app_id":2553,"app_trans_id":"ext-1","app_user":"u1","amount":200000}`
	forged := RawCallback{Body: qrCallbackBody(data, hmacSHA256("wrong-key", data))}
	_, err := f.rec.ApplyCallback(context.Background(), QRWalletName, forged)
	if !errors.Is(err, ErrInvalidSignature) || apperr.KindOf(err) != apperr.KindGateway {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("balance changed to %d", got)
	}
	if got := f.status(t, "ext-1"); got != models.TxPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestUnknownTransactionIsNotCreated(t *testing.T) {
	f := newReconcilerFixture(t)
	_, err := f.rec.ApplyCallback(context.Background(), QRWalletName, signedQR("ghost", 10_000, ""))
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.Transactions().GetByExternalIDForUpdate(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("transaction created on the fly: %v", err)
		}
		return nil
	})

	if _, err := f.rec.ApplyCallback(context.Background(), "paypal", signedQR("ghost", 1, "")); !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("expected unknown gateway, got %v", err)
	}
}

func TestAmountMismatchRejected(t *testing.T) {
	f := newReconcilerFixture(t)
	f.openPending(t, "ext-1", 200_000, "")
	_, err := f.rec.ApplyCallback(context.Background(), QRWalletName, signedQR("ext-1", 2_000_000, ""))
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if got := f.status(t, "ext-1"); got != models.TxPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestFailureCallbackThenLateSuccess(t *testing.T) {
	f := newReconcilerFixture(t)
	f.openPending(t, "ext-1", 200_000, "")

	if _, err := f.rec.ApplyCallback(context.Background(), QRWalletName, signedQR("ext-1", 200_000, `,"return_code":2`)); err != nil {
		t.Fatalf("failure callback: %v", err)
	}
	if got := f.status(t, "ext-1"); got != models.TxFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}

	res, err := f.rec.ApplyCallback(context.Background(), QRWalletName, signedQR("ext-1", 200_000, ""))
	if err != nil {
		t.Fatalf("late callback: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("out-of-order success must be ignored, got %+v", res)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("expected no credit, got %d", got)
	}
}

func TestSessionPaymentSettledOnCallback(t *testing.T) {
	f := newReconcilerFixture(t)
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		return tx.Sessions().Insert(ctx, &models.Session{
			ID:            "s1",
			DriverID:      "u1",
			Status:        models.SessionCompleted,
			TotalCost:     150_000,
			PaymentStatus: models.PaymentAwaitingPayment,
			AmountDue:     100_000,
		})
	})
	f.openPending(t, "ext-s1", 100_000, "s1")

	if _, err := f.rec.ApplyCallback(context.Background(), QRWalletName, signedQR("ext-s1", 100_000, "")); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("credit must be spent on the session, got %d", got)
	}
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		s, err := tx.Sessions().Get(ctx, "s1")
		if err != nil {
			return err
		}
		if s.PaymentStatus != models.PaymentPaid || s.AmountDue != 0 {
			return fmt.Errorf("unexpected session %+v", s)
		}
		return nil
	})
}
