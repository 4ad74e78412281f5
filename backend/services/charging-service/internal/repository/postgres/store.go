package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	libdb "evcharge/backend/libs/db"
	"evcharge/backend/services/charging-service/internal/repository"
)

const sqlStateUniqueViolation = "23505"

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements repository.Store on database/sql with the pgx driver.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore wraps an open pool.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate applies embedded migrations in lexical order. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
		s.logger.Info("migration applied", zap.String("name", name))
	}
	return nil
}

// WithinTx runs fn inside a READ COMMITTED transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if repository.InTx(ctx) {
		return repository.ErrNestedTx
	}

	var t *tx
	err := libdb.RunInTx(ctx, s.db, func(sqlTx *sql.Tx) error {
		t = &tx{q: sqlTx}
		return fn(repository.MarkTx(ctx), t)
	})
	if err != nil {
		return err
	}
	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

type tx struct {
	q     *sql.Tx
	hooks []func()
}

func (t *tx) Wallets() repository.WalletRepository           { return walletRepo{t.q} }
func (t *tx) Transactions() repository.TransactionRepository { return txnRepo{t.q} }
func (t *tx) Bookings() repository.BookingRepository         { return bookingRepo{t.q} }
func (t *tx) Sessions() repository.SessionRepository         { return sessionRepo{t.q} }
func (t *tx) Points() repository.PointRepository             { return pointRepo{t.q} }
func (t *tx) Plans() repository.PlanRepository               { return planRepo{t.q} }
func (t *tx) AfterCommit(fn func())                          { t.hooks = append(t.hooks, fn) }

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
		return fmt.Errorf("%w: %s", repository.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
