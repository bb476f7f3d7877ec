package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/config"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/httpapi"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

func init() {
	tokenCmd.Flags().String("sub", "", "actor id (customer or provider id)")
	tokenCmd.Flags().String("role", string(model.RoleCustomer), "customer, provider or admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with JWT_SECRET",
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sub, _ := cmd.Flags().GetString("sub")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	switch model.Role(role) {
	case model.RoleCustomer, model.RoleProvider, model.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	tok, err := httpapi.NewAuthenticator(cfg.JWTSecret).Issue(model.Actor{ID: sub, Role: model.Role(role)}, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
