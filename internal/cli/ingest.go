package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"iex-marketdata/internal/app"
	"iex-marketdata/internal/market"
)

var (
	ingestMarkets string
	ingestFrom    string
	ingestTo      string
	ingestDryRun  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Download a date range of price reports once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFrom == "" || ingestTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		a := getApp()
		loc, err := market.Location(a.Config.Market.Timezone)
		if err != nil {
			return err
		}

		from, err := parseBound(ingestFrom, loc, false)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}
		to, err := parseBound(ingestTo, loc, true)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}
		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		markets, err := parseMarkets(ingestMarkets)
		if err != nil {
			return err
		}

		return a.Ingest(cmd.Context(), app.IngestOptions{
			Markets: markets,
			From:    from,
			To:      to,
			DryRun:  ingestDryRun,
		})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestMarkets, "market", "", "Markets to ingest, comma separated (defaults to market.enabled)")
	ingestCmd.Flags().StringVar(&ingestFrom, "from", "", "First trading day (YYYY-MM-DD or RFC3339, inclusive)")
	ingestCmd.Flags().StringVar(&ingestTo, "to", "", "Last trading day (YYYY-MM-DD or RFC3339, inclusive)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Download and parse without writing to storage")
}
