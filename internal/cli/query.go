package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hakifi-nibiru/backend-nibiru/internal/app"
)

var queryCmd = &cobra.Command{
	Use:   "query <insurance-id>",
	Short: "Query the contract's view of a position next to the local record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "" {
			return fmt.Errorf("insurance id required")
		}
		return getApp().Query(cmd.Context(), app.QueryOptions{ID: args[0]})
	},
}
