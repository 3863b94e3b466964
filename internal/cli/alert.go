package cli

import (
	"github.com/spf13/cobra"

	"relayer-monitor/internal/service"
)

var (
	alertType     string
	alertChain    string
	alertSeverity string
	alertMessage  string
	alertData     map[string]string
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Raise a manual alert through the alert engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Alert(cmd.Context(), service.ManualAlert{
			Type:     alertType,
			Chain:    alertChain,
			Severity: alertSeverity,
			Message:  alertMessage,
			Data:     alertData,
		})
	},
}

func init() {
	alertCmd.Flags().StringVar(&alertType, "type", "manual", "Alert type")
	alertCmd.Flags().StringVar(&alertChain, "chain", "", "Chain id the alert concerns")
	alertCmd.Flags().StringVar(&alertSeverity, "severity", "warning", "info, warning or critical")
	alertCmd.Flags().StringVar(&alertMessage, "message", "", "Alert message")
	alertCmd.Flags().StringToStringVar(&alertData, "data", nil, "Extra key=value data")
	_ = alertCmd.MarkFlagRequired("message")
}
