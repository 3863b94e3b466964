package cli

import (
	"github.com/spf13/cobra"

	"relayer-monitor/internal/app"
)

var collectSource string

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection cycle against a metric source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Collect(cmd.Context(), app.CollectOptions{Source: collectSource})
	},
}

func init() {
	collectCmd.Flags().StringVar(&collectSource, "source", "", "Source id or name")
	_ = collectCmd.MarkFlagRequired("source")
}
