package stream

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType is the contract's event-type tag.
type EventType string

// Tags emitted by the insurance contract.
const (
	EventCreate          EventType = "CREATE"
	EventUpdateAvailable EventType = "UPDATE_AVAILABLE"
	EventUpdateInvalid   EventType = "UPDATE_INVALID"
	EventRefund          EventType = "REFUND"
	EventCancel          EventType = "CANCEL"
	EventClaim           EventType = "CLAIM"
	EventExpired         EventType = "EXPIRED"
	EventLiquidated      EventType = "LIQUIDATED"
)

// InsuranceEvent is one normalized contract notification. Every wire field
// is optional; absent values stay at their zero value.
type InsuranceEvent struct {
	TxHash      string
	ID          uuid.UUID
	Buyer       string
	Margin      decimal.Decimal
	ClaimAmount decimal.Decimal
	ExpiredTime *time.Time
	OpenTime    *time.Time
	State       string
	Type        EventType
}

// Attribute keys of the contract's event namespace.
const (
	attrContract    = "wasm-EInsurance._contract_address"
	attrID          = "wasm-EInsurance.id_insurance"
	attrBuyer       = "wasm-EInsurance.buyer"
	attrMargin      = "wasm-EInsurance.margin"
	attrClaimAmount = "wasm-EInsurance.claim_amount"
	attrExpiredTime = "wasm-EInsurance.expired_time"
	attrOpenTime    = "wasm-EInsurance.open_time"
	attrState       = "wasm-EInsurance.state"
	attrEventType   = "wasm-EInsurance.event_type"
	attrTxHash      = "tx.hash"
)

// first returns the first value for the key, or "" when absent. Tendermint
// delivers every event attribute as an array of strings.
func first(events map[string][]string, key string) string {
	if vals := events[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func parseEpoch(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}
