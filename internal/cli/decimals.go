package cli

import (
	"github.com/spf13/cobra"
)

var (
	decimalsChain   string
	decimalsDenom   string
	decimalsRefresh bool
)

var resolveDecimalsCmd = &cobra.Command{
	Use:   "resolve-decimals",
	Short: "Resolve the decimal exponent of a denom",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResolveDecimals(cmd.Context(), decimalsChain, decimalsDenom, decimalsRefresh)
	},
}

func init() {
	resolveDecimalsCmd.Flags().StringVar(&decimalsChain, "chain", "", "Chain id")
	resolveDecimalsCmd.Flags().StringVar(&decimalsDenom, "denom", "", "Denom")
	resolveDecimalsCmd.Flags().BoolVar(&decimalsRefresh, "refresh", false, "Drop any cached value first")
	_ = resolveDecimalsCmd.MarkFlagRequired("chain")
	_ = resolveDecimalsCmd.MarkFlagRequired("denom")
}
