// Package memory is an in-process Store. Units of work are serialized by one mutex and operate on
// a copy of the state that replaces the committed state only when fn succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

type state struct {
	wallets  map[string]models.Wallet
	txns     []models.WalletTransaction
	txnIndex map[string]int
	bookings map[string]models.Booking
	sessions map[string]models.Session
	points   map[string]models.ChargingPoint
	plans    map[string]models.Plan
	subs     map[string]models.Subscription
}

func newState() *state {
	return &state{
		wallets:  make(map[string]models.Wallet),
		txnIndex: make(map[string]int),
		bookings: make(map[string]models.Booking),
		sessions: make(map[string]models.Session),
		points:   make(map[string]models.ChargingPoint),
		plans:    make(map[string]models.Plan),
		subs:     make(map[string]models.Subscription),
	}
}

func (s *state) clone() *state {
	c := &state{
		wallets:  make(map[string]models.Wallet, len(s.wallets)),
		txns:     make([]models.WalletTransaction, len(s.txns)),
		txnIndex: make(map[string]int, len(s.txnIndex)),
		bookings: make(map[string]models.Booking, len(s.bookings)),
		sessions: make(map[string]models.Session, len(s.sessions)),
		points:   make(map[string]models.ChargingPoint, len(s.points)),
		plans:    make(map[string]models.Plan, len(s.plans)),
		subs:     make(map[string]models.Subscription, len(s.subs)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	copy(c.txns, s.txns)
	for k, v := range s.txnIndex {
		c.txnIndex[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.points {
		c.points[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	return c
}

// Store keeps all data in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx runs fn against a private copy of the state and publishes it when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if repository.InTx(ctx) {
		return repository.ErrNestedTx
	}

	t, err := s.run(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (*tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{st: s.state.clone()}
	if err := fn(repository.MarkTx(ctx), t); err != nil {
		return nil, err
	}
	s.state = t.st
	return t, nil
}

type tx struct {
	st    *state
	hooks []func()
}

func (t *tx) Wallets() repository.WalletRepository           { return walletRepo{t.st} }
func (t *tx) Transactions() repository.TransactionRepository { return txnRepo{t.st} }
func (t *tx) Bookings() repository.BookingRepository         { return bookingRepo{t.st} }
func (t *tx) Sessions() repository.SessionRepository         { return sessionRepo{t.st} }
func (t *tx) Points() repository.PointRepository             { return pointRepo{t.st} }
func (t *tx) Plans() repository.PlanRepository               { return planRepo{t.st} }
func (t *tx) AfterCommit(fn func())                          { t.hooks = append(t.hooks, fn) }

type walletRepo struct{ st *state }

func (r walletRepo) Create(_ context.Context, w *models.Wallet) error {
	if _, ok := r.st.wallets[w.UserID]; ok {
		return repository.ErrDuplicate
	}
	r.st.wallets[w.UserID] = *w
	return nil
}

func (r walletRepo) Get(_ context.Context, userID string) (*models.Wallet, error) {
	w, ok := r.st.wallets[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (r walletRepo) GetForUpdate(ctx context.Context, userID string) (*models.Wallet, error) {
	return r.Get(ctx, userID)
}

func (r walletRepo) UpdateBalance(_ context.Context, userID string, balance int64, at time.Time) error {
	w, ok := r.st.wallets[userID]
	if !ok {
		return repository.ErrNotFound
	}
	w.Balance = balance
	w.Version++
	w.UpdatedAt = at
	r.st.wallets[userID] = w
	return nil
}

type txnRepo struct{ st *state }

func (r txnRepo) Insert(_ context.Context, txn *models.WalletTransaction) error {
	if _, ok := r.st.txnIndex[txn.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, existing := range r.st.txns {
		if txn.Reference != "" && existing.WalletID == txn.WalletID && existing.Type == txn.Type && existing.Reference == txn.Reference {
			return repository.ErrDuplicate
		}
		if txn.ExternalTransactionID != "" && existing.ExternalTransactionID == txn.ExternalTransactionID {
			return repository.ErrDuplicate
		}
	}
	r.st.txnIndex[txn.ID] = len(r.st.txns)
	r.st.txns = append(r.st.txns, *txn)
	return nil
}

func (r txnRepo) FindByReference(_ context.Context, walletID string, typ models.TransactionType, reference string) (*models.WalletTransaction, error) {
	for _, txn := range r.st.txns {
		if txn.WalletID == walletID && txn.Type == typ && txn.Reference == reference {
			found := txn
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r txnRepo) HasReference(_ context.Context, walletID, reference string) (bool, error) {
	for _, txn := range r.st.txns {
		if txn.WalletID == walletID && txn.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (r txnRepo) GetByExternalIDForUpdate(_ context.Context, externalID string) (*models.WalletTransaction, error) {
	for _, txn := range r.st.txns {
		if txn.ExternalTransactionID == externalID {
			found := txn
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r txnRepo) MarkStatus(_ context.Context, id string, status models.TransactionStatus, balanceAfter int64, at time.Time) error {
	idx, ok := r.st.txnIndex[id]
	if !ok {
		return repository.ErrNotFound
	}
	txn := r.st.txns[idx]
	txn.Status = status
	txn.BalanceAfter = balanceAfter
	txn.CompletedAt = &at
	r.st.txns[idx] = txn
	return nil
}

func (r txnRepo) ListByWallet(_ context.Context, walletID string, limit int) ([]models.WalletTransaction, error) {
	limit = repository.Limit(limit)
	var out []models.WalletTransaction
	for i := len(r.st.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if r.st.txns[i].WalletID == walletID {
			out = append(out, r.st.txns[i])
		}
	}
	return out, nil
}

func (r txnRepo) SumCompleted(_ context.Context, walletID string) (int64, error) {
	var sum int64
	for _, txn := range r.st.txns {
		if txn.WalletID == walletID && txn.Status == models.TxCompleted {
			sum += txn.Amount
		}
	}
	return sum, nil
}

type bookingRepo struct{ st *state }

func (r bookingRepo) Insert(_ context.Context, b *models.Booking) error {
	if _, ok := r.st.bookings[b.ID]; ok {
		return repository.ErrDuplicate
	}
	if !b.Status.Terminal() {
		for _, existing := range r.st.bookings {
			if existing.ChargingPointID == b.ChargingPointID && !existing.Status.Terminal() {
				return repository.ErrDuplicate
			}
		}
	}
	r.st.bookings[b.ID] = *b
	return nil
}

func (r bookingRepo) Get(_ context.Context, id string) (*models.Booking, error) {
	b, ok := r.st.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (r bookingRepo) GetForUpdate(ctx context.Context, id string) (*models.Booking, error) {
	return r.Get(ctx, id)
}

func (r bookingRepo) Update(_ context.Context, b *models.Booking) error {
	if _, ok := r.st.bookings[b.ID]; !ok {
		return repository.ErrNotFound
	}
	r.st.bookings[b.ID] = *b
	return nil
}

func (r bookingRepo) CountActiveByPoint(_ context.Context, pointID string) (int, error) {
	count := 0
	for _, b := range r.st.bookings {
		if b.ChargingPointID == pointID && !b.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (r bookingRepo) ListConfirmedBefore(_ context.Context, before time.Time, limit int) ([]models.Booking, error) {
	var out []models.Booking
	for _, b := range r.st.bookings {
		if b.Status == models.BookingConfirmed && b.BookingTime.Before(before) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingTime.Before(out[j].BookingTime) })
	if limit = repository.Limit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r bookingRepo) ListByUser(_ context.Context, userID string, limit int) ([]models.Booking, error) {
	var out []models.Booking
	for _, b := range r.st.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingTime.After(out[j].BookingTime) })
	if limit = repository.Limit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type sessionRepo struct{ st *state }

func (r sessionRepo) Insert(_ context.Context, s *models.Session) error {
	if _, ok := r.st.sessions[s.ID]; ok {
		return repository.ErrDuplicate
	}
	r.st.sessions[s.ID] = *s
	return nil
}

func (r sessionRepo) Get(_ context.Context, id string) (*models.Session, error) {
	s, ok := r.st.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (r sessionRepo) GetForUpdate(ctx context.Context, id string) (*models.Session, error) {
	return r.Get(ctx, id)
}

func (r sessionRepo) Update(_ context.Context, s *models.Session) error {
	if _, ok := r.st.sessions[s.ID]; !ok {
		return repository.ErrNotFound
	}
	r.st.sessions[s.ID] = *s
	return nil
}

func (r sessionRepo) ListActive(_ context.Context, limit int) ([]models.Session, error) {
	return r.list(limit, func(s models.Session) bool { return s.Status == models.SessionActive }), nil
}

func (r sessionRepo) ListByDriver(_ context.Context, driverID string, limit int) ([]models.Session, error) {
	return r.list(limit, func(s models.Session) bool { return s.DriverID == driverID }), nil
}

func (r sessionRepo) list(limit int, match func(models.Session) bool) []models.Session {
	var out []models.Session
	for _, s := range r.st.sessions {
		if match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = repository.Limit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

type pointRepo struct{ st *state }

func (r pointRepo) Upsert(_ context.Context, p *models.ChargingPoint) error {
	r.st.points[p.ID] = *p
	return nil
}

func (r pointRepo) Get(_ context.Context, id string) (*models.ChargingPoint, error) {
	p, ok := r.st.points[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r pointRepo) GetForUpdate(ctx context.Context, id string) (*models.ChargingPoint, error) {
	return r.Get(ctx, id)
}

func (r pointRepo) Update(_ context.Context, p *models.ChargingPoint) error {
	if _, ok := r.st.points[p.ID]; !ok {
		return repository.ErrNotFound
	}
	r.st.points[p.ID] = *p
	return nil
}

func (r pointRepo) List(_ context.Context) ([]models.ChargingPoint, error) {
	out := make([]models.ChargingPoint, 0, len(r.st.points))
	for _, p := range r.st.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type planRepo struct{ st *state }

func (r planRepo) Upsert(_ context.Context, p *models.Plan) error {
	r.st.plans[p.ID] = *p
	return nil
}

func (r planRepo) Get(_ context.Context, id string) (*models.Plan, error) {
	p, ok := r.st.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r planRepo) GetActiveTariff(_ context.Context) (*models.Plan, error) {
	var found *models.Plan
	for _, p := range r.st.plans {
		if !p.IsActive || p.BillingType == models.BillingSubscription {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			candidate := p
			found = &candidate
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r planRepo) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	r.st.subs[sub.UserID] = *sub
	return nil
}

func (r planRepo) GetSubscription(_ context.Context, userID string, at time.Time) (*models.Subscription, error) {
	sub, ok := r.st.subs[userID]
	if !ok || !sub.ValidUntil.After(at) {
		return nil, repository.ErrNotFound
	}
	return &sub, nil
}
