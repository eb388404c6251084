package cli

import (
	"github.com/spf13/cobra"
)

var simulateMarket string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a sample run notification through the configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseMarket(simulateMarket)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), t)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMarket, "market", "dam", "Market named in the sample notification")
}
