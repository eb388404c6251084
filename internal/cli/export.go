package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"iex-marketdata/internal/app"
	"iex-marketdata/internal/market"
)

var (
	exportMarket    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportXLSXPath  string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored prices as CSV, XLSX and/or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseMarket(exportMarket)
		if err != nil {
			return err
		}

		a := getApp()
		loc, err := market.Location(a.Config.Market.Timezone)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Market:    t,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			XLSXPath:  exportXLSXPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := parseBound(exportFrom, loc, false)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := parseBound(exportTo, loc, true)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return a.Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportMarket, "market", "", "Market to export (dam or rtm)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (YYYY-MM-DD or RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (YYYY-MM-DD or RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportXLSXPath, "xlsx", "", "Path to write an Excel workbook")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
