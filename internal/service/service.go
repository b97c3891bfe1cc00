// Package service runs the periodic settlement sweeps: open positions are
// checked against the live mark price and driven through claim, liquidate,
// refund, or expire, and positions parked in a waiting state have their
// pending chain call retried.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
	"github.com/hakifi-nibiru/backend-nibiru/internal/feed"
	"github.com/hakifi-nibiru/backend-nibiru/internal/scheduler"
	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
)

// Settler is the slice of the reconciliation engine the sweeps drive.
type Settler interface {
	Claim(ctx context.Context, id uuid.UUID, closePrice decimal.Decimal)
	Refund(ctx context.Context, id uuid.UUID, closePrice decimal.Decimal)
	Settle(ctx context.Context, id uuid.UUID, target storage.State, closePrice decimal.Decimal)
	Redrive(ctx context.Context, id uuid.UUID)
}

// Service orchestrates scheduled settlement of open positions.
type Service struct {
	sched   *scheduler.Scheduler
	store   storage.InsuranceStore
	prices  feed.PriceSource
	settler Settler
	logger  zerolog.Logger

	sweepLimit int
	now        func() time.Time
}

// New constructs the settlement service.
func New(cfg config.SchedulerConfig, sched *scheduler.Scheduler, store storage.InsuranceStore, prices feed.PriceSource, settler Settler, logger zerolog.Logger) *Service {
	limit := cfg.SweepLimit
	if limit <= 0 {
		limit = 500
	}
	return &Service{
		sched:      sched,
		store:      store,
		prices:     prices,
		settler:    settler,
		logger:     logger.With().Str("component", "settlement").Logger(),
		sweepLimit: limit,
		now:        time.Now,
	}
}

// Run begins the sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.sched.Run(ctx, s.Sweep)
}

// Sweep executes one settlement pass. Prices are fetched once per symbol;
// a symbol whose price fetch fails is skipped for the tick and retried on
// the next one.
func (s *Service) Sweep(ctx context.Context, _ time.Time) error {
	open, err := s.store.ListByState(ctx, storage.StateAvailable, s.sweepLimit)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	priceBySymbol := make(map[string]decimal.Decimal)
	for _, ins := range open {
		symbol := ins.Asset + ins.Unit
		price, ok := priceBySymbol[symbol]
		if !ok {
			price, err = s.prices.FuturePrice(ctx, symbol)
			if err != nil {
				s.logger.Error().Err(err).Str("symbol", symbol).Msg("fetch mark price, symbol skipped this sweep")
				priceBySymbol[symbol] = decimal.Decimal{}
				continue
			}
			priceBySymbol[symbol] = price
		}
		if price.IsZero() {
			continue
		}
		s.settleOne(ctx, ins, price)
	}

	for _, state := range []storage.State{storage.StateClaimWaiting, storage.StateRefundWaiting} {
		parked, err := s.store.ListByState(ctx, state, s.sweepLimit)
		if err != nil {
			return fmt.Errorf("list %s positions: %w", state, err)
		}
		for _, ins := range parked {
			s.settler.Redrive(ctx, ins.ID)
		}
	}
	return nil
}

// settleOne applies the band checks for a single open position. For down
// protection the claim target sits below the open price and liquidation
// above; up protection mirrors the bands. At term, a price inside the
// refund zone returns the margin, anything else forfeits it.
func (s *Service) settleOne(ctx context.Context, ins storage.Insurance, price decimal.Decimal) {
	down := ins.PClaim.LessThan(ins.POpen)

	crossed := func(band decimal.Decimal, towardClaim bool) bool {
		if band.IsZero() {
			return false
		}
		if down == towardClaim {
			return price.LessThanOrEqual(band)
		}
		return price.GreaterThanOrEqual(band)
	}

	switch {
	case crossed(ins.PClaim, true):
		s.logger.Info().Str("insurance_id", ins.ID.String()).Str("price", price.String()).Msg("claim target hit")
		s.settler.Claim(ctx, ins.ID, price)
	case crossed(ins.PLiquidation, false):
		s.logger.Info().Str("insurance_id", ins.ID.String()).Str("price", price.String()).Msg("liquidation band hit")
		s.settler.Settle(ctx, ins.ID, storage.StateLiquidated, price)
	case ins.ExpiredAt != nil && !s.now().Before(*ins.ExpiredAt):
		if crossed(ins.PRefund, true) {
			s.logger.Info().Str("insurance_id", ins.ID.String()).Msg("expired inside refund zone")
			s.settler.Refund(ctx, ins.ID, price)
			return
		}
		s.logger.Info().Str("insurance_id", ins.ID.String()).Msg("expired at term")
		s.settler.Settle(ctx, ins.ID, storage.StateExpired, price)
	}
}
