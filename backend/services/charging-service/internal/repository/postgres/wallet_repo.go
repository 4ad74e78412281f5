package postgres

import (
	"context"
	"database/sql"
	"time"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

type walletRepo struct{ q *sql.Tx }

func (r walletRepo) Create(ctx context.Context, w *models.Wallet) error {
	const query = `
		INSERT INTO wallets (user_id, balance, version, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id) DO NOTHING
	`
	res, err := r.q.ExecContext(ctx, query, w.UserID, w.Balance, w.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// A unique violation would abort the transaction; report the conflict without one.
	if n == 0 {
		return repository.ErrDuplicate
	}
	return nil
}

func (r walletRepo) Get(ctx context.Context, userID string) (*models.Wallet, error) {
	return r.get(ctx, `SELECT user_id, balance, version, updated_at FROM wallets WHERE user_id = $1`, userID)
}

func (r walletRepo) GetForUpdate(ctx context.Context, userID string) (*models.Wallet, error) {
	return r.get(ctx, `SELECT user_id, balance, version, updated_at FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
}

func (r walletRepo) get(ctx context.Context, query, userID string) (*models.Wallet, error) {
	var w models.Wallet
	if err := r.q.QueryRowContext(ctx, query, userID).Scan(&w.UserID, &w.Balance, &w.Version, &w.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &w, nil
}

func (r walletRepo) UpdateBalance(ctx context.Context, userID string, balance int64, at time.Time) error {
	const query = `
		UPDATE wallets
		SET balance = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE user_id = $1
	`
	return affectedOne(r.q.ExecContext(ctx, query, userID, balance, at))
}

type txnRepo struct{ q *sql.Tx }

const txnColumns = `id, wallet_id, amount, type, balance_after, external_transaction_id, reference, gateway, session_id, status, description, created_at, completed_at`

func (r txnRepo) Insert(ctx context.Context, txn *models.WalletTransaction) error {
	const query = `
		INSERT INTO wallet_transactions (` + txnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.q.ExecContext(ctx, query,
		txn.ID,
		txn.WalletID,
		txn.Amount,
		txn.Type,
		txn.BalanceAfter,
		nullString(txn.ExternalTransactionID),
		nullString(txn.Reference),
		nullString(txn.Gateway),
		nullString(txn.SessionID),
		txn.Status,
		txn.Description,
		txn.CreatedAt,
		nullTime(txn.CompletedAt),
	)
	return mapError(err)
}

func (r txnRepo) FindByReference(ctx context.Context, walletID string, typ models.TransactionType, reference string) (*models.WalletTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM wallet_transactions WHERE wallet_id = $1 AND type = $2 AND reference = $3`
	return scanTxn(r.q.QueryRowContext(ctx, query, walletID, typ, reference))
}

func (r txnRepo) HasReference(ctx context.Context, walletID, reference string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM wallet_transactions WHERE wallet_id = $1 AND reference = $2)`
	var exists bool
	if err := r.q.QueryRowContext(ctx, query, walletID, reference).Scan(&exists); err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (r txnRepo) GetByExternalIDForUpdate(ctx context.Context, externalID string) (*models.WalletTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM wallet_transactions WHERE external_transaction_id = $1 FOR UPDATE`
	return scanTxn(r.q.QueryRowContext(ctx, query, externalID))
}

func (r txnRepo) MarkStatus(ctx context.Context, id string, status models.TransactionStatus, balanceAfter int64, at time.Time) error {
	const query = `
		UPDATE wallet_transactions
		SET status = $2,
		    balance_after = $3,
		    completed_at = $4
		WHERE id = $1
	`
	return affectedOne(r.q.ExecContext(ctx, query, id, status, balanceAfter, at))
}

func (r txnRepo) ListByWallet(ctx context.Context, walletID string, limit int) ([]models.WalletTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.q.QueryContext(ctx, query, walletID, repository.Limit(limit))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.WalletTransaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r txnRepo) SumCompleted(ctx context.Context, walletID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE wallet_id = $1 AND status = 'COMPLETED'`
	var sum int64
	if err := r.q.QueryRowContext(ctx, query, walletID).Scan(&sum); err != nil {
		return 0, mapError(err)
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*models.WalletTransaction, error) {
	var txn models.WalletTransaction
	var external, ref, gateway, sess sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&txn.ID,
		&txn.WalletID,
		&txn.Amount,
		&txn.Type,
		&txn.BalanceAfter,
		&external,
		&ref,
		&gateway,
		&sess,
		&txn.Status,
		&txn.Description,
		&txn.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	txn.ExternalTransactionID = external.String
	txn.Reference = ref.String
	txn.Gateway = gateway.String
	txn.SessionID = sess.String
	txn.CompletedAt = timePtr(completedAt)
	return &txn, nil
}
