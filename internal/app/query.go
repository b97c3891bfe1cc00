package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/hakifi-nibiru/backend-nibiru/internal/chain"
	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
)

// Query prints the contract's view of a position next to the local record,
// for inspecting divergence by hand.
func (a *App) Query(ctx context.Context, opts QueryOptions) error {
	id, err := uuid.Parse(opts.ID)
	if err != nil {
		return fmt.Errorf("invalid position id: %w", err)
	}

	client, err := chain.NewClient(a.Config.Chain, a.Logger)
	if err != nil {
		return err
	}
	defer client.Close()

	info := client.InsuranceInfo(ctx, id.String())
	if info == nil {
		fmt.Fprintln(os.Stdout, "on-chain: no record (or chain unavailable)")
	} else {
		fmt.Fprintf(os.Stdout, "on-chain: buyer=%s margin=%s claim_amount=%s state=%s valid=%t\n",
			info.Buyer, info.Margin, info.ClaimAmount, info.State, info.Valid)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	defer closeStore()

	local, err := store.GetInsurance(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintln(os.Stdout, "local: no record")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "local: state=%s margin=%s q_claim=%s p_open=%s p_close=%s pnl_user=%s\n",
		local.State, local.Margin, local.QClaim, local.POpen, local.PClose, local.PnLUser)

	logs, err := store.ListStateLogs(ctx, id)
	if err != nil {
		return err
	}
	for _, entry := range logs {
		hash, errMsg := "-", "-"
		if entry.TxHash != nil {
			hash = *entry.TxHash
		}
		if entry.Error != nil {
			errMsg = *entry.Error
		}
		fmt.Fprintf(os.Stdout, "  %s %-14s tx=%s err=%s\n",
			entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), entry.State, hash, errMsg)
	}
	return nil
}
