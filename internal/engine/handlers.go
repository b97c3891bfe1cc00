package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/events"
	"github.com/hakifi-nibiru/backend-nibiru/internal/pricing"
	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
	"github.com/hakifi-nibiru/backend-nibiru/internal/stream"
)

// handleCreated runs the activation check for a CREATE notification: load
// the record, verify the on-chain deposit against the stored terms, then
// either activate or invalidate. Duplicates degrade to no-ops through the
// lock probe, the PENDING guard, and the conditional writes underneath.
func (e *Engine) handleCreated(ctx context.Context, ev stream.InsuranceEvent) {
	log := e.logger.With().Str("insurance_id", ev.ID.String()).Logger()

	ins, err := e.deps.Store.GetInsurance(ctx, ev.ID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Msg("create event for unknown position, ignoring")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("load position")
		return
	}

	if ev.TxHash != "" {
		if err := e.deps.Store.SetTxHash(ctx, ev.ID, ev.TxHash); err != nil {
			log.Error().Err(err).Msg("record create txhash")
		}
	}

	if e.locks.Locked(ev.ID.String()) {
		log.Warn().Msg("position busy, create event dropped")
		return
	}
	if ins.State != storage.StatePending {
		log.Warn().Str("state", string(ins.State)).Msg("create event for settled position, ignoring")
		return
	}

	reason, payback := e.validateCreate(ctx, ins, ev)
	if reason != "" {
		log.Info().Str("reason", reason).Bool("payback", payback).Msg("deposit rejected")
		e.Invalidate(ctx, ins.ID, reason, payback)
		return
	}
	e.activate(ctx, ins.ID)
}

// validateCreate checks the deposit against the stored terms in a fixed
// order. The first failing check wins; only the request timeout entitles the
// buyer to an on-chain payback.
func (e *Engine) validateCreate(ctx context.Context, ins *storage.Insurance, ev stream.InsuranceEvent) (reason string, payback bool) {
	if !ev.Margin.Equal(ins.Margin) {
		return storage.ReasonInvalidMargin, false
	}

	user, err := e.deps.Users.GetUser(ctx, ins.UserID)
	if err != nil || user.WalletAddress != ev.Buyer {
		return storage.ReasonInvalidWallet, false
	}

	if e.now().Sub(ins.CreatedAt) > e.createWindow {
		return storage.ReasonCreatedTimeout, true
	}

	if ins.Unit != marginUnit {
		return storage.ReasonInvalidUnit, false
	}
	return "", false
}

// Invalidate moves a position to INVALID. When payback is set the buyer's
// deposit is returned on chain; the call outcome lands in the audit trail
// either way.
func (e *Engine) Invalidate(ctx context.Context, id uuid.UUID, reason string, payback bool) {
	e.withLock(ctx, id, "invalidate", func(ctx context.Context) error {
		updated, err := e.deps.Store.MarkInvalid(ctx, id, reason, e.now().UTC())
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		e.deps.Bus.Publish(ctx, events.TopicInsuranceUpdated, *updated)

		var hash string
		var callErr error
		if payback {
			hash, callErr = e.deps.Contract.MarkInvalid(ctx, id.String())
		}
		e.appendLog(ctx, id, storage.StateInvalid, hash, callErr)
		return nil
	})
}

// activate prices the position, applies the AVAILABLE transition, records
// the margin deposit in the ledger, and tells the contract the position is
// live. A failed price fetch leaves the record PENDING for a later retry; a
// failed chain call is recorded and the local state stands.
func (e *Engine) activate(ctx context.Context, id uuid.UUID) {
	e.withLock(ctx, id, "activate", func(ctx context.Context) error {
		log := e.logger.With().Str("insurance_id", id.String()).Logger()

		ins, err := e.deps.Store.GetInsurance(ctx, id)
		if err != nil {
			return err
		}
		if ins.State != storage.StatePending {
			return nil
		}

		price, err := e.deps.Prices.FuturePrice(ctx, ins.Asset+ins.Unit)
		if err != nil {
			log.Error().Err(err).Msg("fetch open price, activation deferred")
			return nil
		}

		params, err := e.deps.Calc.Calculate(pricing.Terms{
			Margin:       ins.Margin,
			QCovered:     ins.QCovered,
			PClaim:       ins.PClaim,
			POpen:        price,
			Period:       ins.Period,
			PeriodUnit:   ins.PeriodUnit,
			PeriodChange: ins.PeriodChange,
			CreatedAt:    ins.CreatedAt,
		})
		if err != nil {
			log.Error().Err(err).Msg("price position")
			return nil
		}

		updated, err := e.deps.Store.MarkAvailable(ctx, id, storage.ActivationFields{
			POpen:          price,
			PLiquidation:   params.PLiquidation,
			PRefund:        params.PRefund,
			PCancel:        params.PCancel,
			QClaim:         params.QClaim,
			Leverage:       params.Leverage,
			SystemCapital:  params.SystemCapital,
			FutureQuantity: params.FutureQuantity,
			Hedge:          params.Hedge,
			ExpiredAt:      params.ExpiredAt,
		})
		if err != nil {
			return err
		}
		if updated == nil {
			log.Debug().Msg("duplicate activation, no-op")
			return nil
		}

		createHash := ""
		if updated.TxHash != nil {
			createHash = *updated.TxHash
		}
		e.recordLedger(ctx, updated, storage.TxTypeMargin, updated.Margin, createHash)
		e.deps.Bus.Publish(ctx, events.TopicInsuranceCreated, *updated)

		hash, callErr := e.deps.Contract.MarkAvailable(ctx, id.String(), updated.QClaim, *updated.ExpiredAt)
		e.appendLog(ctx, id, storage.StateAvailable, hash, callErr)

		if updated.CanHedge && updated.Hedge && e.deps.Hedger != nil {
			if err := e.deps.Hedger.PlaceHedge(ctx, *updated); err != nil {
				log.Error().Err(err).Msg("place hedge order")
			}
		}
		return nil
	})
}

// Cancel settles an AVAILABLE position back to the buyer at the cancel
// band. PnL figures already on the record stand; the project books the
// hedge result net of the user.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, closePrice decimal.Decimal) {
	e.withLock(ctx, id, "cancel", func(ctx context.Context) error {
		current, err := e.deps.Store.GetInsurance(ctx, id)
		if err != nil {
			return err
		}
		if current.State != storage.StateAvailable {
			return nil
		}

		updated, err := e.deps.Store.MarkClosing(ctx, id, storage.StateCancelled, storage.CloseFields{
			PClose:     closePrice,
			PnLUser:    current.PnLUser,
			PnLProject: current.PnLHedge.Sub(current.PnLUser),
			ClosedAt:   e.now().UTC(),
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		e.deps.Bus.Publish(ctx, events.TopicInsuranceUpdated, *updated)

		hash, callErr := e.deps.Contract.Cancel(ctx, id.String())
		if callErr == nil {
			e.recordLedger(ctx, updated, storage.TxTypeCancel, updated.Margin, hash)
		}
		e.appendLog(ctx, id, storage.StateCancelled, hash, callErr)
		return nil
	})
}

// Claim pays the position out at q_claim. The record parks in CLAIM_WAITING
// until the payout call lands, then advances to CLAIMED.
func (e *Engine) Claim(ctx context.Context, id uuid.UUID, closePrice decimal.Decimal) {
	e.settleWaiting(ctx, id, storage.StateClaimWaiting, closePrice)
}

// Refund returns the margin when price crosses the refund band before the
// claim target. The record parks in REFUND_WAITING until the chain call
// lands, then advances to REFUNDED.
func (e *Engine) Refund(ctx context.Context, id uuid.UUID, closePrice decimal.Decimal) {
	e.settleWaiting(ctx, id, storage.StateRefundWaiting, closePrice)
}

// settleWaiting moves an AVAILABLE position into a waiting state, fires the
// matching chain call, and on success finishes the terminal transition. The
// re-read under the lock is what arbitrates racing close attempts with
// different targets; the conditional write is the backstop.
func (e *Engine) settleWaiting(ctx context.Context, id uuid.UUID, waiting storage.State, closePrice decimal.Decimal) {
	e.withLock(ctx, id, string(waiting), func(ctx context.Context) error {
		current, err := e.deps.Store.GetInsurance(ctx, id)
		if err != nil {
			return err
		}
		if current.State != storage.StateAvailable {
			return nil
		}

		var (
			pnlUser  decimal.Decimal
			terminal storage.State
			txType   string
			amount   decimal.Decimal
			call     func(ctx context.Context, id string) (string, error)
		)
		switch waiting {
		case storage.StateClaimWaiting:
			pnlUser = current.QClaim.Sub(current.Margin)
			terminal = storage.StateClaimed
			txType = storage.TxTypeClaim
			amount = current.QClaim
			call = e.deps.Contract.Claim
		case storage.StateRefundWaiting:
			pnlUser = current.PnLUser
			terminal = storage.StateRefunded
			txType = storage.TxTypeRefund
			amount = current.Margin
			call = e.deps.Contract.Refund
		default:
			return nil
		}

		updated, err := e.deps.Store.MarkClosing(ctx, id, waiting, storage.CloseFields{
			PClose:     closePrice,
			PnLUser:    pnlUser,
			PnLProject: current.PnLHedge.Sub(pnlUser),
			ClosedAt:   e.now().UTC(),
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		e.deps.Bus.Publish(ctx, events.TopicInsuranceUpdated, *updated)

		hash, callErr := call(ctx, id.String())
		e.appendLog(ctx, id, waiting, hash, callErr)
		if callErr != nil {
			// The position stays parked; a sweep or an inbound
			// confirmation finishes it later.
			return nil
		}

		e.recordLedger(ctx, updated, txType, amount, hash)
		return e.confirmLocked(ctx, id, terminal, hash)
	})
}

// Settle closes the position against the user, either LIQUIDATED at the
// liquidation band or EXPIRED at term. The whole margin is forfeit.
func (e *Engine) Settle(ctx context.Context, id uuid.UUID, target storage.State, closePrice decimal.Decimal) {
	call := e.deps.Contract.Liquidate
	if target == storage.StateExpired {
		call = e.deps.Contract.Expire
	}
	e.withLock(ctx, id, string(target), func(ctx context.Context) error {
		current, err := e.deps.Store.GetInsurance(ctx, id)
		if err != nil {
			return err
		}
		if current.State != storage.StateAvailable {
			return nil
		}

		pnlUser := current.Margin.Neg()
		updated, err := e.deps.Store.MarkClosing(ctx, id, target, storage.CloseFields{
			PClose:     closePrice,
			PnLUser:    pnlUser,
			PnLProject: current.PnLHedge.Sub(pnlUser),
			ClosedAt:   e.now().UTC(),
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		e.deps.Bus.Publish(ctx, events.TopicInsuranceUpdated, *updated)

		hash, callErr := call(ctx, id.String())
		e.appendLog(ctx, id, target, hash, callErr)
		return nil
	})
}

// Redrive retries the pending chain call of a position parked in a waiting
// state. Harmless to run concurrently with inbound confirmations; the
// conditional terminal write arbitrates.
func (e *Engine) Redrive(ctx context.Context, id uuid.UUID) {
	e.withLock(ctx, id, "redrive", func(ctx context.Context) error {
		current, err := e.deps.Store.GetInsurance(ctx, id)
		if err != nil {
			return err
		}

		var (
			terminal storage.State
			txType   string
			amount   decimal.Decimal
			call     func(ctx context.Context, id string) (string, error)
		)
		switch current.State {
		case storage.StateClaimWaiting:
			terminal = storage.StateClaimed
			txType = storage.TxTypeClaim
			amount = current.QClaim
			call = e.deps.Contract.Claim
		case storage.StateRefundWaiting:
			terminal = storage.StateRefunded
			txType = storage.TxTypeRefund
			amount = current.Margin
			call = e.deps.Contract.Refund
		default:
			return nil
		}

		hash, callErr := call(ctx, id.String())
		e.appendLog(ctx, id, current.State, hash, callErr)
		if callErr != nil {
			return nil
		}
		e.recordLedger(ctx, current, txType, amount, hash)
		return e.confirmLocked(ctx, id, terminal, hash)
	})
}

// confirmSources names the only state each terminal confirmation may leave
// from. Anything else is a divergence the notification must not paper over.
var confirmSources = map[storage.State]storage.State{
	storage.StateClaimed:    storage.StateClaimWaiting,
	storage.StateRefunded:   storage.StateRefundWaiting,
	storage.StateCancelled:  storage.StateAvailable,
	storage.StateLiquidated: storage.StateAvailable,
	storage.StateExpired:    storage.StateAvailable,
}

// Confirm advances a waiting position to its terminal state on the strength
// of an inbound chain notification.
func (e *Engine) Confirm(ctx context.Context, id uuid.UUID, target storage.State, txHash string) {
	e.withLock(ctx, id, "confirm", func(ctx context.Context) error {
		current, err := e.deps.Store.GetInsurance(ctx, id)
		if err != nil {
			return err
		}
		if current.State != confirmSources[target] {
			return nil
		}
		return e.confirmLocked(ctx, id, target, txHash)
	})
}

// confirmLocked requires the caller to hold the position's lock.
func (e *Engine) confirmLocked(ctx context.Context, id uuid.UUID, target storage.State, txHash string) error {
	updated, err := e.deps.Store.ConfirmState(ctx, id, target, e.now().UTC())
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	e.deps.Bus.Publish(ctx, events.TopicInsuranceUpdated, *updated)
	e.appendLog(ctx, id, target, txHash, nil)
	return nil
}

func (e *Engine) withLock(ctx context.Context, id uuid.UUID, op string, fn func(ctx context.Context) error) {
	if err := e.locks.Do(ctx, id.String(), fn); err != nil {
		e.logger.Error().Err(err).Str("insurance_id", id.String()).Str("op", op).Msg("transition failed")
	}
}

func (e *Engine) appendLog(ctx context.Context, id uuid.UUID, state storage.State, hash string, callErr error) {
	entry := storage.StateLog{InsuranceID: id, State: state, CreatedAt: e.now().UTC()}
	if hash != "" {
		entry.TxHash = &hash
	}
	if callErr != nil {
		msg := callErr.Error()
		entry.Error = &msg
	}
	if err := e.deps.Logs.AppendStateLog(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("insurance_id", id.String()).Msg("append state log")
	}
}

func (e *Engine) recordLedger(ctx context.Context, ins *storage.Insurance, txType string, amount decimal.Decimal, hash string) {
	tx := &storage.Transaction{
		InsuranceID: ins.ID,
		UserID:      ins.UserID,
		Amount:      amount,
		Unit:        ins.Unit,
		Type:        txType,
		Status:      storage.TxStatusSuccess,
		TxHash:      hash,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.deps.Ledger.CreateTransaction(ctx, tx); err != nil {
		e.logger.Error().Err(err).Str("insurance_id", ins.ID.String()).Str("type", txType).Msg("record ledger entry")
	}
}
