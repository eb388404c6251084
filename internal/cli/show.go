package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"iex-marketdata/internal/app"
	"iex-marketdata/internal/market"
)

var (
	showMarket string
	showLimit  int
	showRuns   bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent price records or ingestion runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Runs:  showRuns,
		}
		if !showRuns {
			t, err := market.ParseType(showMarket)
			if err != nil {
				return err
			}
			opts.Market = t
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showMarket, "market", "dam", "Market to display (dam or rtm)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "List recent ingestion runs instead of prices")
}
