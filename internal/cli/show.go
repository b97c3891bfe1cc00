package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hakifi-nibiru/backend-nibiru/internal/app"
)

var (
	showLimit int
	showState string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent insurance positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			State: showState,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of positions to display")
	showCmd.Flags().StringVar(&showState, "state", "", "Only show positions in this state (e.g. AVAILABLE)")
}
