package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the lifecycle state of an insurance position.
type State string

const (
	StatePending       State = "PENDING"
	StateAvailable     State = "AVAILABLE"
	StateClaimWaiting  State = "CLAIM_WAITING"
	StateClaimed       State = "CLAIMED"
	StateRefundWaiting State = "REFUND_WAITING"
	StateRefunded      State = "REFUNDED"
	StateCancelled     State = "CANCELLED"
	StateLiquidated    State = "LIQUIDATED"
	StateExpired       State = "EXPIRED"
	StateInvalid       State = "INVALID"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateInvalid, StateCancelled, StateClaimed, StateRefunded, StateLiquidated, StateExpired:
		return true
	}
	return false
}

// Reasons a PENDING position is invalidated instead of activated.
const (
	ReasonInvalidMargin  = "INVALID_MARGIN"
	ReasonInvalidWallet  = "INVALID_WALLET_ADDRESS"
	ReasonCreatedTimeout = "CREATED_TIME_TIMEOUT"
	ReasonInvalidUnit    = "INVALID_UNIT"
)

// Insurance is the reconciled record of one collateralized hedge position.
type Insurance struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Asset          string
	Unit           string
	State          State
	InvalidReason  *string
	Margin         decimal.Decimal
	QCovered       decimal.Decimal
	QClaim         decimal.Decimal
	PClaim         decimal.Decimal
	POpen          decimal.Decimal
	PLiquidation   decimal.Decimal
	PRefund        decimal.Decimal
	PCancel        decimal.Decimal
	PClose         decimal.Decimal
	Leverage       decimal.Decimal
	Period         int
	PeriodUnit     string
	PeriodChange   decimal.Decimal
	SystemCapital  decimal.Decimal
	FutureQuantity decimal.Decimal
	Hedge          bool
	CanHedge       bool
	PnLUser        decimal.Decimal
	PnLHedge       decimal.Decimal
	PnLProject     decimal.Decimal
	TxHash         *string
	CreatedAt      time.Time
	ExpiredAt      *time.Time
	ClosedAt       *time.Time
}

// StateLog is one append-only audit entry for a transition attempt.
// Entries are never mutated or deleted.
type StateLog struct {
	ID          int64
	InsuranceID uuid.UUID
	State       State
	TxHash      *string
	Error       *string
	CreatedAt   time.Time
}

// Ledger transaction types and statuses.
const (
	TxTypeMargin = "MARGIN"
	TxTypeCancel = "CANCEL"
	TxTypeClaim  = "CLAIM"
	TxTypeRefund = "REFUND"

	TxStatusSuccess = "SUCCESS"
	TxStatusFailed  = "FAILED"
)

// Transaction is a value-movement ledger row tied to an insurance.
type Transaction struct {
	ID          uuid.UUID
	InsuranceID uuid.UUID
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Unit        string
	Type        string
	Status      string
	TxHash      string
	CreatedAt   time.Time
}

// User carries the wallet identity referenced by positions.
type User struct {
	ID            uuid.UUID
	WalletAddress string
	CreatedAt     time.Time
}
