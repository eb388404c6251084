package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"iex-marketdata/internal/app"
)

var (
	importFile   string
	importMarket string
	importForce  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a JSON export of price rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importFile == "" {
			return fmt.Errorf("--file must be provided")
		}
		t, err := parseMarket(importMarket)
		if err != nil {
			return err
		}
		return getApp().Import(cmd.Context(), app.ImportOptions{
			Path:   importFile,
			Market: t,
			Force:  importForce,
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "Path to the JSON file")
	importCmd.Flags().StringVar(&importMarket, "market", "", "Target market (dam or rtm)")
	importCmd.Flags().BoolVar(&importForce, "force", false, "Import even when the file name names the other market")
}
