package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
)

// Show prints recent positions, optionally filtered by state.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show positions")
	}
	defer closeStore()

	var positions []storage.Insurance
	if opts.State != "" {
		positions, err = store.ListByState(ctx, storage.State(opts.State), opts.Limit)
	} else {
		positions, err = store.ListRecent(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Fprintln(os.Stdout, "no positions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tAsset\tState\tMargin\tQClaim\tPOpen\tPClose\tPnL User\tCreated (UTC)")

	for _, ins := range positions {
		fmt.Fprintf(
			writer,
			"%s\t%s%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ins.ID,
			ins.Asset, ins.Unit,
			ins.State,
			formatDecimal(ins.Margin, 2),
			formatDecimal(ins.QClaim, 2),
			formatDecimal(ins.POpen, 4),
			formatDecimal(ins.PClose, 4),
			formatDecimal(ins.PnLUser, 2),
			ins.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
