package models

import "time"

// Wallet is a prepaid balance in minor currency units.
type Wallet struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	Version   int64     `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TxTopUpGateway         TransactionType = "TOP_UP_GATEWAY"
	TxTopUpCash            TransactionType = "TOP_UP_CASH"
	TxBookingDeposit       TransactionType = "BOOKING_DEPOSIT"
	TxBookingDepositRefund TransactionType = "BOOKING_DEPOSIT_REFUND"
	TxChargingPayment      TransactionType = "CHARGING_PAYMENT"
	TxPlanSubscription     TransactionType = "PLAN_SUBSCRIPTION"
	TxAdminAdjustment      TransactionType = "ADMIN_ADJUSTMENT"
)

// TransactionStatus is the lifecycle of a ledger row.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
)

// WalletTransaction is an append-only ledger row. Amount is signed: credits positive, debits negative.
type WalletTransaction struct {
	ID                    string            `db:"id" json:"id"`
	WalletID              string            `db:"wallet_id" json:"wallet_id"`
	Amount                int64             `db:"amount" json:"amount"`
	Type                  TransactionType   `db:"type" json:"type"`
	BalanceAfter          int64             `db:"balance_after" json:"balance_after"`
	ExternalTransactionID string            `db:"external_transaction_id" json:"external_transaction_id,omitempty"`
	Reference             string            `db:"reference" json:"reference,omitempty"`
	Gateway               string            `db:"gateway" json:"gateway,omitempty"`
	SessionID             string            `db:"session_id" json:"session_id,omitempty"`
	Status                TransactionStatus `db:"status" json:"status"`
	Description           string            `db:"description" json:"description"`
	CreatedAt             time.Time         `db:"created_at" json:"created_at"`
	CompletedAt           *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}
