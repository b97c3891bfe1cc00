// Package chain signs and submits contract calls against the insurance
// smart contract and serves its read-only queries. A connection is derived
// lazily before each call; no session is assumed to survive restarts.
package chain

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	"github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/client/tx"
	"github.com/cosmos/cosmos-sdk/codec"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/crypto/hd"
	cryptotypes "github.com/cosmos/cosmos-sdk/crypto/types"
	"github.com/cosmos/cosmos-sdk/std"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
	authsigning "github.com/cosmos/cosmos-sdk/x/auth/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	bip39 "github.com/cosmos/go-bip39"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
)

// InsuranceInfo is the on-chain view of a position, scaled back to local units.
type InsuranceInfo struct {
	ID          string
	Buyer       string
	Margin      decimal.Decimal
	ClaimAmount decimal.Decimal
	State       string
	Valid       bool
}

// Client signs and submits MsgExecuteContract calls with the configured
// fixed fee and gas envelope, and serves smart queries.
type Client struct {
	cfg    config.ChainConfig
	logger zerolog.Logger

	registry codectypes.InterfaceRegistry
	cdc      *codec.ProtoCodec
	txConfig client.TxConfig

	mu       sync.Mutex
	privKey  cryptotypes.PrivKey
	sender   string
	rpc      *rpchttp.HTTP
	grpcConn *grpc.ClientConn
}

// NewClient constructs the contract client. No network traffic occurs until
// the first call.
func NewClient(cfg config.ChainConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("chain: contract address required")
	}

	registry := codectypes.NewInterfaceRegistry()
	std.RegisterInterfaces(registry)
	cryptocodec.RegisterInterfaces(registry)
	authtypes.RegisterInterfaces(registry)
	wasmtypes.RegisterInterfaces(registry)

	cdc := codec.NewProtoCodec(registry)

	return &Client{
		cfg:      cfg,
		logger:   logger.With().Str("component", "chain_client").Logger(),
		registry: registry,
		cdc:      cdc,
		txConfig: authtx.NewTxConfig(cdc, authtx.DefaultSignModes),
	}, nil
}

// MarkInvalid issues the on-chain invalidation call for a position.
func (c *Client) MarkInvalid(ctx context.Context, id string) (string, error) {
	return c.Execute(ctx, UpdateInvalidMsg{ID: id})
}

// MarkAvailable confirms activation on chain. The claim amount is scaled to
// the chain's fixed-point representation, expiry to epoch seconds.
func (c *Client) MarkAvailable(ctx context.Context, id string, claimAmount decimal.Decimal, expiredAt time.Time) (string, error) {
	return c.Execute(ctx, UpdateAvailableMsg{
		ID:          id,
		ClaimAmount: ToChainAmount(claimAmount, c.cfg.TokenDecimals),
		ExpiredTime: expiredAt.Unix(),
	})
}

// Cancel issues the cancel call.
func (c *Client) Cancel(ctx context.Context, id string) (string, error) {
	return c.Execute(ctx, CancelMsg{ID: id})
}

// Claim issues the claim payout call.
func (c *Client) Claim(ctx context.Context, id string) (string, error) {
	return c.Execute(ctx, ClaimMsg{ID: id})
}

// Refund issues the refund call.
func (c *Client) Refund(ctx context.Context, id string) (string, error) {
	return c.Execute(ctx, RefundMsg{ID: id})
}

// Liquidate issues the liquidation call.
func (c *Client) Liquidate(ctx context.Context, id string) (string, error) {
	return c.Execute(ctx, LiquidateMsg{ID: id})
}

// Expire issues the expiry call.
func (c *Client) Expire(ctx context.Context, id string) (string, error) {
	return c.Execute(ctx, ExpireMsg{ID: id})
}

// Execute signs and broadcasts one contract call, returning the transaction
// hash. Failures come back as error values; nothing panics across this
// boundary.
func (c *Client) Execute(ctx context.Context, msg ExecuteMsg) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return "", err
	}

	payload, err := msg.Payload()
	if err != nil {
		return "", fmt.Errorf("chain: encode execute msg: %w", err)
	}

	execMsg := &wasmtypes.MsgExecuteContract{
		Sender:   c.sender,
		Contract: c.cfg.ContractAddress,
		Msg:      wasmtypes.RawContractMessage(payload),
	}

	account, err := c.accountLocked(ctx)
	if err != nil {
		return "", err
	}

	txBuilder := c.txConfig.NewTxBuilder()
	if err := txBuilder.SetMsgs(execMsg); err != nil {
		return "", fmt.Errorf("chain: set msgs: %w", err)
	}
	txBuilder.SetGasLimit(c.cfg.GasLimit)
	txBuilder.SetFeeAmount(sdk.NewCoins(sdk.NewInt64Coin(c.cfg.FeeDenom, c.cfg.FeeAmount)))

	// First pass with an empty signature populates SignerInfos so the
	// sign bytes cover the right authinfo.
	blank := signing.SignatureV2{
		PubKey: c.privKey.PubKey(),
		Data: &signing.SingleSignatureData{
			SignMode: signing.SignMode_SIGN_MODE_DIRECT,
		},
		Sequence: account.GetSequence(),
	}
	if err := txBuilder.SetSignatures(blank); err != nil {
		return "", fmt.Errorf("chain: set blank signature: %w", err)
	}

	signerData := authsigning.SignerData{
		Address:       c.sender,
		ChainID:       c.cfg.ChainID,
		AccountNumber: account.GetAccountNumber(),
		Sequence:      account.GetSequence(),
		PubKey:        c.privKey.PubKey(),
	}
	sig, err := tx.SignWithPrivKey(
		ctx,
		signing.SignMode_SIGN_MODE_DIRECT,
		signerData,
		txBuilder,
		c.privKey,
		c.txConfig,
		account.GetSequence(),
	)
	if err != nil {
		return "", fmt.Errorf("chain: sign: %w", err)
	}
	if err := txBuilder.SetSignatures(sig); err != nil {
		return "", fmt.Errorf("chain: set signature: %w", err)
	}

	txBytes, err := c.txConfig.TxEncoder()(txBuilder.GetTx())
	if err != nil {
		return "", fmt.Errorf("chain: encode tx: %w", err)
	}

	res, err := c.rpc.BroadcastTxSync(ctx, txBytes)
	if err != nil {
		return "", fmt.Errorf("chain: broadcast: %w", err)
	}
	if res.Code != 0 {
		return "", fmt.Errorf("chain: tx rejected (code %d): %s", res.Code, res.Log)
	}

	hash := strings.ToUpper(res.Hash.String())
	c.logger.Debug().Str("tx_hash", hash).Msg("contract call broadcast")
	return hash, nil
}

// InsuranceInfo runs the read-only get_insurance_info query. Any failure
// yields nil rather than an error; the caller treats the chain view as
// simply unavailable.
func (c *Client) InsuranceInfo(ctx context.Context, id string) *InsuranceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		c.logger.Error().Err(err).Msg("insurance info query: connect failed")
		return nil
	}

	query, err := insuranceInfoQueryPayload(id)
	if err != nil {
		return nil
	}

	resp, err := wasmtypes.NewQueryClient(c.grpcConn).SmartContractState(ctx, &wasmtypes.QuerySmartContractStateRequest{
		Address:   c.cfg.ContractAddress,
		QueryData: wasmtypes.RawContractMessage(query),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("insurance_id", id).Msg("insurance info query failed")
		return nil
	}

	var raw struct {
		Buyer       string `json:"buyer"`
		Margin      string `json:"margin"`
		ClaimAmount string `json:"claim_amount"`
		State       string `json:"state"`
		Valid       bool   `json:"valid"`
	}
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		c.logger.Error().Err(err).Str("insurance_id", id).Msg("decode insurance info")
		return nil
	}

	margin, err := FromChainAmount(raw.Margin, c.cfg.TokenDecimals)
	if err != nil {
		return nil
	}
	claim, err := FromChainAmount(raw.ClaimAmount, c.cfg.TokenDecimals)
	if err != nil {
		return nil
	}

	return &InsuranceInfo{
		ID:          id,
		Buyer:       raw.Buyer,
		Margin:      margin,
		ClaimAmount: claim,
		State:       raw.State,
		Valid:       raw.Valid,
	}
}

// Close tears down open connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grpcConn != nil {
		_ = c.grpcConn.Close()
		c.grpcConn = nil
	}
	c.rpc = nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.privKey == nil {
		priv, sender, err := deriveSigner(c.cfg.Mnemonic, c.cfg.Bech32Prefix)
		if err != nil {
			return err
		}
		c.privKey = priv
		c.sender = sender
	}

	if c.rpc == nil {
		rpc, err := rpchttp.New(c.cfg.RPCEndpoint, "/websocket")
		if err != nil {
			return fmt.Errorf("chain: rpc client: %w", err)
		}
		c.rpc = rpc
	}

	if c.grpcConn == nil {
		creds := grpc.WithTransportCredentials(insecure.NewCredentials())
		if strings.HasSuffix(c.cfg.GRPCEndpoint, ":443") {
			creds = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
		}
		conn, err := grpc.NewClient(c.cfg.GRPCEndpoint, creds)
		if err != nil {
			return fmt.Errorf("chain: grpc dial: %w", err)
		}
		c.grpcConn = conn
	}

	_ = ctx
	return nil
}

func (c *Client) accountLocked(ctx context.Context) (sdk.AccountI, error) {
	resp, err := authtypes.NewQueryClient(c.grpcConn).Account(ctx, &authtypes.QueryAccountRequest{
		Address: c.sender,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: query account: %w", err)
	}

	var account sdk.AccountI
	if err := c.registry.UnpackAny(resp.Account, &account); err != nil {
		return nil, fmt.Errorf("chain: unpack account: %w", err)
	}
	return account, nil
}

// deriveSigner turns the configured mnemonic into a secp256k1 key and its
// bech32 account address.
func deriveSigner(mnemonic, prefix string) (cryptotypes.PrivKey, string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, "", fmt.Errorf("chain: invalid mnemonic")
	}

	derived, err := hd.Secp256k1.Derive()(mnemonic, "", sdk.FullFundraiserPath)
	if err != nil {
		return nil, "", fmt.Errorf("chain: derive key: %w", err)
	}
	priv := hd.Secp256k1.Generate()(derived)

	sender, err := bech32.ConvertAndEncode(prefix, priv.PubKey().Address())
	if err != nil {
		return nil, "", fmt.Errorf("chain: encode address: %w", err)
	}
	return priv, sender, nil
}
