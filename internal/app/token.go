package app

import (
	"fmt"
	"strings"

	"relayer-monitor/internal/auth"
)

// IssueToken signs a session token for userID with role and prints it.
func (a *App) IssueToken(userID, role string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role != auth.RoleAdmin && role != auth.RoleViewer {
		return fmt.Errorf("role must be %s or %s", auth.RoleAdmin, auth.RoleViewer)
	}
	token, err := auth.NewVerifier(a.Config.Auth).IssueSession(userID, role)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, token)
	return nil
}
