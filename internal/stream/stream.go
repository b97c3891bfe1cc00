// Package stream owns the live subscription to the chain's event feed. It
// reconnects indefinitely, normalizes raw notifications, and forwards them
// to the dispatcher. Consumers never observe transport-level reconnects,
// only a steady flow of events, possibly with gaps or duplicates that the
// engine's conditional writes absorb.
package stream

import (
	"context"
	"fmt"
	"slices"
	"time"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hakifi-nibiru/backend-nibiru/internal/chain"
	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
)

const subscriberName = "insurance-engine"

// Dispatcher receives normalized insurance events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev InsuranceEvent)
}

// subscription is the slice of the RPC client the stream uses; rpchttp.HTTP
// satisfies it.
type subscription interface {
	Start() error
	Stop() error
	Subscribe(ctx context.Context, subscriber, query string, outCapacity ...int) (<-chan coretypes.ResultEvent, error)
}

// Stream supervises the websocket subscription.
type Stream struct {
	cfg        config.ChainConfig
	dispatcher Dispatcher
	logger     zerolog.Logger
	dial       func() (subscription, error)

	minBackoff time.Duration
	maxBackoff time.Duration
}

// New constructs a Stream feeding the dispatcher.
func New(cfg config.ChainConfig, dispatcher Dispatcher, logger zerolog.Logger) *Stream {
	s := &Stream{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "event_stream").Logger(),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	s.dial = func() (subscription, error) {
		return rpchttp.New(cfg.RPCEndpoint, "/websocket")
	}
	return s
}

// Run blocks until ctx is cancelled, resubscribing on every transport
// failure with no upper bound on retries. Transport errors are logged, never
// propagated.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error().Err(err).Dur("retry_in", backoff).Msg("event subscription lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *Stream) consume(ctx context.Context) error {
	client, err := s.dial()
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	if err := client.Start(); err != nil {
		return fmt.Errorf("start rpc client: %w", err)
	}
	defer func() {
		if err := client.Stop(); err != nil {
			s.logger.Debug().Err(err).Msg("stop rpc client")
		}
	}()

	query := fmt.Sprintf("tm.event = 'Tx' AND execute._contract_address = '%s'", s.cfg.ContractAddress)

	subCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	ch, err := client.Subscribe(subCtx, subscriberName, query)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info().Str("query", query).Msg("subscribed to contract events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			s.handle(ctx, result.Events)
		}
	}
}

// handle normalizes one notification and forwards it. Messages without an
// insurance-event payload, addressed to another contract, or carrying a
// malformed position id are dropped silently.
func (s *Stream) handle(ctx context.Context, events map[string][]string) {
	if events == nil {
		return
	}
	if !slices.Contains(events[attrContract], s.cfg.ContractAddress) {
		return
	}

	rawID := first(events, attrID)
	id, err := uuid.Parse(rawID)
	if err != nil {
		s.logger.Warn().Str("id_insurance", rawID).Msg("dropping event with malformed position id")
		return
	}

	ev := InsuranceEvent{
		TxHash:      first(events, attrTxHash),
		ID:          id,
		Buyer:       first(events, attrBuyer),
		State:       first(events, attrState),
		Type:        EventType(first(events, attrEventType)),
		ExpiredTime: parseEpoch(first(events, attrExpiredTime)),
		OpenTime:    parseEpoch(first(events, attrOpenTime)),
	}

	if raw := first(events, attrMargin); raw != "" {
		margin, err := chain.FromChainAmount(raw, s.cfg.TokenDecimals)
		if err != nil {
			s.logger.Warn().Str("margin", raw).Str("insurance_id", rawID).Msg("dropping event with malformed margin")
			return
		}
		ev.Margin = margin
	}
	if raw := first(events, attrClaimAmount); raw != "" {
		claim, err := chain.FromChainAmount(raw, s.cfg.TokenDecimals)
		if err != nil {
			s.logger.Warn().Str("claim_amount", raw).Str("insurance_id", rawID).Msg("dropping event with malformed claim amount")
			return
		}
		ev.ClaimAmount = claim
	}

	s.logger.Debug().
		Str("insurance_id", rawID).
		Str("event_type", string(ev.Type)).
		Str("tx_hash", ev.TxHash).
		Msg("contract event received")

	s.dispatcher.Dispatch(ctx, ev)
}
