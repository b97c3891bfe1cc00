// Package pricing computes the contractual parameters written when a
// position activates. The engine depends only on the Calculator interface;
// coefficients of the default implementation are configuration.
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
)

// Period units accepted on insurance terms.
const (
	PeriodUnitHour = "HOUR"
	PeriodUnitDay  = "DAY"
)

// Terms are the contractual inputs fixed at request time plus the market
// price observed at activation.
type Terms struct {
	Margin       decimal.Decimal
	QCovered     decimal.Decimal
	PClaim       decimal.Decimal
	POpen        decimal.Decimal
	Period       int
	PeriodUnit   string
	PeriodChange decimal.Decimal
	CreatedAt    time.Time
}

// Params are the derived figures persisted on activation.
type Params struct {
	QClaim         decimal.Decimal
	PLiquidation   decimal.Decimal
	PRefund        decimal.Decimal
	PCancel        decimal.Decimal
	Leverage       decimal.Decimal
	SystemCapital  decimal.Decimal
	FutureQuantity decimal.Decimal
	Hedge          bool
	ExpiredAt      time.Time
}

// Calculator derives activation parameters from terms.
type Calculator interface {
	Calculate(t Terms) (Params, error)
}

// StandardCalculator implements the production pricing model:
//
//	dist          = |p_claim - p_open| / p_open
//	leverage      = clamp(1/dist, 1, max_leverage)
//	q_claim       = margin * (1 + dist / period_change_ratio)
//	p_liquidation = p_open moved against the claim side by liquidation_pct/leverage
//	p_refund      = p_open moved toward the claim side by refund_margin_pct
//	p_cancel      = p_open moved toward the claim side by cancel_margin_pct
//	hedge         = dist >= hedge_threshold
//	future qty    = (q_claim - margin) / |p_open - p_claim| when hedged
type StandardCalculator struct {
	cfg config.PricingConfig
}

// NewStandardCalculator builds the default calculator.
func NewStandardCalculator(cfg config.PricingConfig) *StandardCalculator {
	return &StandardCalculator{cfg: cfg}
}

// Calculate derives Params from Terms.
func (c *StandardCalculator) Calculate(t Terms) (Params, error) {
	if t.POpen.IsZero() {
		return Params{}, fmt.Errorf("pricing: open price is zero")
	}
	if t.PClaim.IsZero() {
		return Params{}, fmt.Errorf("pricing: claim price is zero")
	}
	if t.PClaim.Equal(t.POpen) {
		return Params{}, fmt.Errorf("pricing: claim price equals open price")
	}

	one := decimal.NewFromInt(1)
	diff := t.PClaim.Sub(t.POpen)
	dist := diff.Abs().Div(t.POpen)
	down := diff.Sign() < 0

	leverage := one.Div(dist).Floor()
	if leverage.LessThan(one) {
		leverage = one
	}
	maxLev := decimal.NewFromInt(c.cfg.MaxLeverage)
	if maxLev.IsPositive() && leverage.GreaterThan(maxLev) {
		leverage = maxLev
	}

	change := t.PeriodChange
	if !change.IsPositive() {
		change = one
	}
	qClaim := t.Margin.Mul(one.Add(dist.Div(change)))

	liqStep := decimal.NewFromFloat(c.cfg.LiquidationPct).Div(leverage)
	refundStep := decimal.NewFromFloat(c.cfg.RefundMarginPct)
	cancelStep := decimal.NewFromFloat(c.cfg.CancelMarginPct)

	var pLiquidation, pRefund, pCancel decimal.Decimal
	if down {
		// Down protection hedges short: liquidation sits above the open,
		// refund/cancel bands sit just below it.
		pLiquidation = t.POpen.Mul(one.Add(liqStep))
		pRefund = t.POpen.Mul(one.Sub(refundStep))
		pCancel = t.POpen.Mul(one.Sub(cancelStep))
	} else {
		pLiquidation = t.POpen.Mul(one.Sub(liqStep))
		pRefund = t.POpen.Mul(one.Add(refundStep))
		pCancel = t.POpen.Mul(one.Add(cancelStep))
	}

	hedge := dist.GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.HedgeThreshold))

	systemCapital := qClaim.Sub(t.Margin)

	futureQuantity := decimal.Zero
	if hedge {
		futureQuantity = systemCapital.Div(diff.Abs()).RoundDown(3)
	}

	expiredAt, err := expiry(t.CreatedAt, t.Period, t.PeriodUnit)
	if err != nil {
		return Params{}, err
	}

	return Params{
		QClaim:         qClaim,
		PLiquidation:   pLiquidation,
		PRefund:        pRefund,
		PCancel:        pCancel,
		Leverage:       leverage,
		SystemCapital:  systemCapital,
		FutureQuantity: futureQuantity,
		Hedge:          hedge,
		ExpiredAt:      expiredAt,
	}, nil
}

func expiry(from time.Time, period int, unit string) (time.Time, error) {
	if period <= 0 {
		return time.Time{}, fmt.Errorf("pricing: period must be positive")
	}
	switch unit {
	case PeriodUnitHour:
		return from.Add(time.Duration(period) * time.Hour), nil
	case PeriodUnitDay:
		return from.AddDate(0, 0, period), nil
	default:
		return time.Time{}, fmt.Errorf("pricing: unknown period unit %q", unit)
	}
}

var _ Calculator = (*StandardCalculator)(nil)
