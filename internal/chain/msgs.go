package chain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ExecuteMsg is one tagged contract action. Each variant carries exactly the
// fields its action requires; the wire form is {"<action>": {...}}.
type ExecuteMsg interface {
	Payload() ([]byte, error)
}

// UpdateInvalidMsg marks a position invalid so collateral can be returned.
type UpdateInvalidMsg struct {
	ID string `json:"id_insurance"`
}

// Payload renders the wire envelope.
func (m UpdateInvalidMsg) Payload() ([]byte, error) {
	return json.Marshal(map[string]UpdateInvalidMsg{"update_invalid_insurance": m})
}

// UpdateAvailableMsg confirms activation on chain. ClaimAmount is the
// chain-scaled integer string, ExpiredTime epoch seconds.
type UpdateAvailableMsg struct {
	ID          string `json:"id_insurance"`
	ClaimAmount string `json:"claim_amount"`
	ExpiredTime int64  `json:"expired_time"`
}

// Payload renders the wire envelope.
func (m UpdateAvailableMsg) Payload() ([]byte, error) {
	return json.Marshal(map[string]UpdateAvailableMsg{"update_available_insurance": m})
}

// CancelMsg cancels a position.
type CancelMsg struct {
	ID string `json:"id_insurance"`
}

// Payload renders the wire envelope.
func (m CancelMsg) Payload() ([]byte, error) {
	return json.Marshal(map[string]CancelMsg{"cancel_insurance": m})
}

// ClaimMsg pays out a claim.
type ClaimMsg struct {
	ID string `json:"id_insurance"`
}

// Payload renders the wire envelope.
func (m ClaimMsg) Payload() ([]byte, error) {
	return json.Marshal(map[string]ClaimMsg{"claim_insurance": m})
}

// RefundMsg returns collateral for a refunded position.
type RefundMsg struct {
	ID string `json:"id_insurance"`
}

// Payload renders the wire envelope.
func (m RefundMsg) Payload() ([]byte, error) {
	return json.Marshal(map[string]RefundMsg{"refund_insurance": m})
}

// LiquidateMsg settles a liquidated position.
type LiquidateMsg struct {
	ID string `json:"id_insurance"`
}

// Payload renders the wire envelope.
func (m LiquidateMsg) Payload() ([]byte, error) {
	return json.Marshal(map[string]LiquidateMsg{"liquidate_insurance": m})
}

// ExpireMsg settles an expired position.
type ExpireMsg struct {
	ID string `json:"id_insurance"`
}

// Payload renders the wire envelope.
func (m ExpireMsg) Payload() ([]byte, error) {
	return json.Marshal(map[string]ExpireMsg{"expire_insurance": m})
}

type getInsuranceInfoQuery struct {
	ID string `json:"id_insurance"`
}

func insuranceInfoQueryPayload(id string) ([]byte, error) {
	return json.Marshal(map[string]getInsuranceInfoQuery{"get_insurance_info": {ID: id}})
}

// ToChainAmount converts a local decimal amount to the chain's fixed-point
// integer string. Floor truncation, never rounding up: the chain must not be
// asked to move more collateral than is backed locally.
func ToChainAmount(amount decimal.Decimal, decimals int32) string {
	return amount.Shift(decimals).Floor().String()
}

// FromChainAmount converts a chain fixed-point integer string back to the
// local decimal representation.
func FromChainAmount(raw string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return d.Shift(-decimals), nil
}
