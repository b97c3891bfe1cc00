package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const insuranceColumns = `
        id,
        user_id,
        asset,
        unit,
        state,
        invalid_reason,
        margin,
        q_covered,
        q_claim,
        p_claim,
        p_open,
        p_liquidation,
        p_refund,
        p_cancel,
        p_close,
        leverage,
        period,
        period_unit,
        period_change_ratio,
        system_capital,
        future_quantity,
        hedge,
        can_hedge,
        pnl_user,
        pnl_hedge,
        pnl_project,
        txhash,
        created_at,
        expired_at,
        closed_at`

const (
	getInsuranceSQL = `SELECT` + insuranceColumns + `
    FROM insurances
    WHERE id = $1;`

	insertInsuranceSQL = `INSERT INTO insurances (
        id, user_id, asset, unit, state, margin, q_covered, p_claim,
        period, period_unit, period_change_ratio, can_hedge, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);`

	setTxHashSQL = `UPDATE insurances SET txhash = $2 WHERE id = $1;`

	// Conditional transitions guard on "current state differs from target"
	// so re-delivered events degrade to no-ops instead of double-applies.
	markInvalidSQL = `UPDATE insurances
    SET state = $2, invalid_reason = $3, closed_at = $4
    WHERE id = $1 AND state <> $2
    RETURNING` + insuranceColumns + `;`

	markAvailableSQL = `UPDATE insurances
    SET state = $2,
        p_open = $3,
        p_liquidation = $4,
        p_refund = $5,
        p_cancel = $6,
        q_claim = $7,
        leverage = $8,
        system_capital = $9,
        future_quantity = $10,
        hedge = $11,
        expired_at = $12
    WHERE id = $1 AND state <> $2
    RETURNING` + insuranceColumns + `;`

	markClosingSQL = `UPDATE insurances
    SET state = $2,
        p_close = $3,
        pnl_user = $4,
        pnl_project = $5,
        closed_at = $6
    WHERE id = $1 AND state <> $2
    RETURNING` + insuranceColumns + `;`

	confirmStateSQL = `UPDATE insurances
    SET state = $2, closed_at = $3
    WHERE id = $1 AND state <> $2
    RETURNING` + insuranceColumns + `;`

	listByStateSQL = `SELECT` + insuranceColumns + `
    FROM insurances
    WHERE state = $1
    ORDER BY created_at
    LIMIT $2;`

	listRecentSQL = `SELECT` + insuranceColumns + `
    FROM insurances
    ORDER BY created_at DESC
    LIMIT $1;`

	listSettledBetweenSQL = `SELECT` + insuranceColumns + `
    FROM insurances
    WHERE closed_at IS NOT NULL
      AND closed_at >= $1
      AND closed_at < $2
    ORDER BY closed_at;`

	appendStateLogSQL = `INSERT INTO state_logs (insurance_id, state, txhash, error, created_at)
    VALUES ($1,$2,$3,$4,$5);`

	listStateLogsSQL = `SELECT id, insurance_id, state, txhash, error, created_at
    FROM state_logs
    WHERE insurance_id = $1
    ORDER BY id;`

	insertTransactionSQL = `INSERT INTO transactions (
        id, insurance_id, user_id, amount, unit, type, status, txhash, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	getUserSQL = `SELECT id, wallet_address, created_at FROM users WHERE id = $1;`
)

// ActivationFields carries everything the AVAILABLE transition writes.
type ActivationFields struct {
	POpen          decimal.Decimal
	PLiquidation   decimal.Decimal
	PRefund        decimal.Decimal
	PCancel        decimal.Decimal
	QClaim         decimal.Decimal
	Leverage       decimal.Decimal
	SystemCapital  decimal.Decimal
	FutureQuantity decimal.Decimal
	Hedge          bool
	ExpiredAt      time.Time
}

// CloseFields carries the settlement figures written by closing transitions.
type CloseFields struct {
	PClose     decimal.Decimal
	PnLUser    decimal.Decimal
	PnLProject decimal.Decimal
	ClosedAt   time.Time
}

// InsuranceStore defines the record-store contract the engine reconciles against.
// Conditional transitions return (nil, nil) when the state precondition
// rejects the write; that is the benign duplicate path, not an error.
type InsuranceStore interface {
	GetInsurance(ctx context.Context, id uuid.UUID) (*Insurance, error)
	CreateInsurance(ctx context.Context, ins *Insurance) error
	SetTxHash(ctx context.Context, id uuid.UUID, hash string) error
	MarkInvalid(ctx context.Context, id uuid.UUID, reason string, closedAt time.Time) (*Insurance, error)
	MarkAvailable(ctx context.Context, id uuid.UUID, fields ActivationFields) (*Insurance, error)
	MarkClosing(ctx context.Context, id uuid.UUID, target State, fields CloseFields) (*Insurance, error)
	ConfirmState(ctx context.Context, id uuid.UUID, target State, closedAt time.Time) (*Insurance, error)
	ListByState(ctx context.Context, state State, limit int) ([]Insurance, error)
	ListRecent(ctx context.Context, limit int) ([]Insurance, error)
	ListSettledBetween(ctx context.Context, from, to time.Time) ([]Insurance, error)
}

// StateLogStore appends and reads the immutable audit trail.
type StateLogStore interface {
	AppendStateLog(ctx context.Context, entry StateLog) error
	ListStateLogs(ctx context.Context, id uuid.UUID) ([]StateLog, error)
}

// TransactionStore records value-movement ledger rows.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
}

// UserStore resolves wallet identities referenced by positions.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}

// Store aggregates Postgres access to positions, audit logs, and ledgers.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetInsurance loads one position by id.
func (s *Store) GetInsurance(ctx context.Context, id uuid.UUID) (*Insurance, error) {
	if s.pool == nil {
		return nil, ErrNotConfigured
	}
	row := s.pool.QueryRow(ctx, getInsuranceSQL, id)
	ins, err := scanInsurance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get insurance: %w", err)
	}
	return ins, nil
}

// CreateInsurance persists a freshly requested PENDING position.
func (s *Store) CreateInsurance(ctx context.Context, ins *Insurance) error {
	if s.pool == nil {
		return ErrNotConfigured
	}
	if ins.ID == uuid.Nil {
		ins.ID = uuid.New()
	}
	if ins.State == "" {
		ins.State = StatePending
	}
	if ins.CreatedAt.IsZero() {
		ins.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, insertInsuranceSQL,
		ins.ID, ins.UserID, ins.Asset, ins.Unit, ins.State,
		ins.Margin, ins.QCovered, ins.PClaim,
		ins.Period, ins.PeriodUnit, ins.PeriodChange, ins.CanHedge, ins.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert insurance: %w", err)
	}
	return nil
}

// SetTxHash records the latest observed on-chain hash for the position.
func (s *Store) SetTxHash(ctx context.Context, id uuid.UUID, hash string) error {
	if s.pool == nil {
		return ErrNotConfigured
	}
	if _, err := s.pool.Exec(ctx, setTxHashSQL, id, hash); err != nil {
		return fmt.Errorf("set txhash: %w", err)
	}
	return nil
}

// MarkInvalid transitions the position to INVALID with a reason.
func (s *Store) MarkInvalid(ctx context.Context, id uuid.UUID, reason string, closedAt time.Time) (*Insurance, error) {
	return s.conditional(ctx, markInvalidSQL, id, StateInvalid, reason, closedAt)
}

// MarkAvailable transitions PENDING to AVAILABLE with the computed terms.
func (s *Store) MarkAvailable(ctx context.Context, id uuid.UUID, f ActivationFields) (*Insurance, error) {
	return s.conditional(ctx, markAvailableSQL, id, StateAvailable,
		f.POpen, f.PLiquidation, f.PRefund, f.PCancel, f.QClaim,
		f.Leverage, f.SystemCapital, f.FutureQuantity, f.Hedge, f.ExpiredAt)
}

// MarkClosing applies a settlement transition with close price and PnL.
func (s *Store) MarkClosing(ctx context.Context, id uuid.UUID, target State, f CloseFields) (*Insurance, error) {
	return s.conditional(ctx, markClosingSQL, id, target,
		f.PClose, f.PnLUser, f.PnLProject, f.ClosedAt)
}

// ConfirmState advances a waiting position to its terminal state.
func (s *Store) ConfirmState(ctx context.Context, id uuid.UUID, target State, closedAt time.Time) (*Insurance, error) {
	return s.conditional(ctx, confirmStateSQL, id, target, closedAt)
}

func (s *Store) conditional(ctx context.Context, sql string, id uuid.UUID, target State, args ...any) (*Insurance, error) {
	if s.pool == nil {
		return nil, ErrNotConfigured
	}
	full := append([]any{id, target}, args...)
	row := s.pool.QueryRow(ctx, sql, full...)
	ins, err := scanInsurance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Precondition rejected: already in (or past) the target state.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition to %s: %w", target, err)
	}
	return ins, nil
}

// ListByState returns up to limit positions in the given state, oldest first.
func (s *Store) ListByState(ctx context.Context, state State, limit int) ([]Insurance, error) {
	return s.list(ctx, listByStateSQL, state, limit)
}

// ListRecent returns the newest positions.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Insurance, error) {
	return s.list(ctx, listRecentSQL, limit)
}

// ListSettledBetween returns positions closed inside [from, to).
func (s *Store) ListSettledBetween(ctx context.Context, from, to time.Time) ([]Insurance, error) {
	return s.list(ctx, listSettledBetweenSQL, from, to)
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]Insurance, error) {
	if s.pool == nil {
		return nil, ErrNotConfigured
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list insurances: %w", err)
	}
	defer rows.Close()

	var out []Insurance
	for rows.Next() {
		ins, err := scanInsurance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan insurance: %w", err)
		}
		out = append(out, *ins)
	}
	return out, rows.Err()
}

// AppendStateLog inserts one audit entry; prior entries are never touched.
func (s *Store) AppendStateLog(ctx context.Context, entry StateLog) error {
	if s.pool == nil {
		return ErrNotConfigured
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, appendStateLogSQL,
		entry.InsuranceID, entry.State, entry.TxHash, entry.Error, created)
	if err != nil {
		return fmt.Errorf("append state log: %w", err)
	}
	return nil
}

// ListStateLogs returns the audit trail for a position in append order.
func (s *Store) ListStateLogs(ctx context.Context, id uuid.UUID) ([]StateLog, error) {
	if s.pool == nil {
		return nil, ErrNotConfigured
	}
	rows, err := s.pool.Query(ctx, listStateLogsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("list state logs: %w", err)
	}
	defer rows.Close()

	var out []StateLog
	for rows.Next() {
		var entry StateLog
		if err := rows.Scan(&entry.ID, &entry.InsuranceID, &entry.State, &entry.TxHash, &entry.Error, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan state log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CreateTransaction records a ledger row.
func (s *Store) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if s.pool == nil {
		return ErrNotConfigured
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, insertTransactionSQL,
		tx.ID, tx.InsuranceID, tx.UserID, tx.Amount, tx.Unit,
		tx.Type, tx.Status, tx.TxHash, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetUser loads a wallet identity.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	if s.pool == nil {
		return nil, ErrNotConfigured
	}
	var u User
	err := s.pool.QueryRow(ctx, getUserSQL, id).Scan(&u.ID, &u.WalletAddress, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func scanInsurance(row pgx.Row) (*Insurance, error) {
	var ins Insurance
	err := row.Scan(
		&ins.ID,
		&ins.UserID,
		&ins.Asset,
		&ins.Unit,
		&ins.State,
		&ins.InvalidReason,
		&ins.Margin,
		&ins.QCovered,
		&ins.QClaim,
		&ins.PClaim,
		&ins.POpen,
		&ins.PLiquidation,
		&ins.PRefund,
		&ins.PCancel,
		&ins.PClose,
		&ins.Leverage,
		&ins.Period,
		&ins.PeriodUnit,
		&ins.PeriodChange,
		&ins.SystemCapital,
		&ins.FutureQuantity,
		&ins.Hedge,
		&ins.CanHedge,
		&ins.PnLUser,
		&ins.PnLHedge,
		&ins.PnLProject,
		&ins.TxHash,
		&ins.CreatedAt,
		&ins.ExpiredAt,
		&ins.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

var (
	_ InsuranceStore   = (*Store)(nil)
	_ StateLogStore    = (*Store)(nil)
	_ TransactionStore = (*Store)(nil)
	_ UserStore        = (*Store)(nil)
)
