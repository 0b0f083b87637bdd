package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/asset-ledger/api"
	"github.com/warp/asset-ledger/ledger"
)

func newVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay the event log and check ledger invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, closeDB, err := a.openLedger(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := svc.Verify(cmd.Context())
			if err != nil {
				return err
			}
			for _, v := range report.Violations {
				a.logger.Error().Str("key", v.Key.String()).Str("rule", v.Rule).Msg(v.Detail)
			}
			if !report.OK() {
				return fmt.Errorf("%d invariant violations", len(report.Violations))
			}
			return nil
		},
	}
}

func newTokenCommand(a *app) *cobra.Command {
	var (
		sub  string
		role string
		base string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			claims := api.Claims{Role: role, BaseID: base}
			claims.Subject = sub
			if _, err := claims.Principal(); err != nil {
				return err
			}
			auth := api.NewAuthenticator(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer)
			tok, err := auth.Issue(sub, ledger.Role(role), ledger.BaseID(base), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "principal id (required)")
	cmd.Flags().StringVar(&role, "role", string(ledger.RoleLogisticsOfficer), "admin | base_commander | logistics_officer")
	cmd.Flags().StringVar(&base, "base", "", "base id for base_commander")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
