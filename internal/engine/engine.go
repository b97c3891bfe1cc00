// Package engine reconciles the local insurance records with the on-chain
// contract ledger. Every state-changing operation for a position runs under
// that position's lock, applies a conditional write whose precondition is
// "current state differs from target", and appends one audit entry per
// attempted transition whether or not the paired chain call succeeded.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
	"github.com/hakifi-nibiru/backend-nibiru/internal/events"
	"github.com/hakifi-nibiru/backend-nibiru/internal/feed"
	"github.com/hakifi-nibiru/backend-nibiru/internal/hedge"
	"github.com/hakifi-nibiru/backend-nibiru/internal/keylock"
	"github.com/hakifi-nibiru/backend-nibiru/internal/pricing"
	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
	"github.com/hakifi-nibiru/backend-nibiru/internal/stream"
)

// Margin collateral is denominated in this unit; CREATE events that disagree
// with the stored record are invalidated.
const marginUnit = "USDT"

// ContractCaller is the slice of the chain client the engine drives. Every
// method returns the transaction hash or an error value; errors are captured
// into the audit trail, never rethrown.
type ContractCaller interface {
	MarkInvalid(ctx context.Context, id string) (string, error)
	MarkAvailable(ctx context.Context, id string, claimAmount decimal.Decimal, expiredAt time.Time) (string, error)
	Cancel(ctx context.Context, id string) (string, error)
	Claim(ctx context.Context, id string) (string, error)
	Refund(ctx context.Context, id string) (string, error)
	Liquidate(ctx context.Context, id string) (string, error)
	Expire(ctx context.Context, id string) (string, error)
}

// Deps aggregates the engine's collaborators.
type Deps struct {
	Store    storage.InsuranceStore
	Logs     storage.StateLogStore
	Ledger   storage.TransactionStore
	Users    storage.UserStore
	Contract ContractCaller
	Calc     pricing.Calculator
	Prices   feed.PriceSource
	Hedger   hedge.Forwarder
	Bus      events.Bus
}

// Engine is the insurance lifecycle reconciliation engine.
type Engine struct {
	deps   Deps
	locks  *keylock.KeyedLock
	logger zerolog.Logger

	createWindow time.Duration
	confirmable  map[stream.EventType]storage.State
	now          func() time.Time
}

// confirmTargets maps inbound confirmation tags to the terminal state each
// one may drive when enabled.
var confirmTargets = map[stream.EventType]storage.State{
	stream.EventRefund:     storage.StateRefunded,
	stream.EventCancel:     storage.StateCancelled,
	stream.EventClaim:      storage.StateClaimed,
	stream.EventExpired:    storage.StateExpired,
	stream.EventLiquidated: storage.StateLiquidated,
}

// New constructs the engine. cfg.Confirmations selects which inbound
// confirmation tags take effect; the rest stay recognised no-ops.
func New(deps Deps, cfg config.ChainConfig, logger zerolog.Logger) *Engine {
	createWindow := cfg.CreateWindow
	if createWindow <= 0 {
		createWindow = 60 * time.Second
	}

	confirmable := make(map[stream.EventType]storage.State)
	for _, tag := range cfg.Confirmations {
		if target, ok := confirmTargets[stream.EventType(tag)]; ok {
			confirmable[stream.EventType(tag)] = target
		}
	}

	return &Engine{
		deps:         deps,
		locks:        keylock.New(),
		logger:       logger.With().Str("component", "reconciliation_engine").Logger(),
		createWindow: createWindow,
		confirmable:  confirmable,
		now:          time.Now,
	}
}

// Dispatch routes one normalized chain notification to its handler. Unknown
// tags are ignored. Nothing Dispatch calls lets an error escape to the
// stream loop.
func (e *Engine) Dispatch(ctx context.Context, ev stream.InsuranceEvent) {
	switch ev.Type {
	case stream.EventCreate:
		e.handleCreated(ctx, ev)
	case stream.EventUpdateAvailable, stream.EventUpdateInvalid:
		// The local record already advanced when this side initiated the
		// corresponding call; the echo carries no new information.
	default:
		if target, ok := e.confirmable[ev.Type]; ok {
			e.Confirm(ctx, ev.ID, target, ev.TxHash)
		}
	}
}

var _ stream.Dispatcher = (*Engine)(nil)
