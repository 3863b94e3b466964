package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"relayer-monitor/internal/app"
)

var (
	showChain  string
	showAlerts int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored wallet balances and recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showAlerts < 0 {
			return fmt.Errorf("--alerts cannot be negative")
		}

		opts := app.ShowOptions{
			Chain:  showChain,
			Alerts: showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showChain, "chain", "", "Only show balances for this chain id")
	showCmd.Flags().IntVar(&showAlerts, "alerts", 0, "Number of recent alerts to display")
}
