package cli

import (
	"github.com/spf13/cobra"

	"relayer-monitor/internal/auth"
)

var (
	tokenUser string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a session token for the API and live connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().IssueToken(tokenUser, tokenRole)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleViewer, "Role: admin or viewer")
	_ = tokenCmd.MarkFlagRequired("user")
}
