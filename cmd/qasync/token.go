package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/config"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for the record service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			authConfig, err := config.LoadAuth(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(authConfig)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s (%s)\n", expiresAt.Format(time.RFC3339), humanize.Time(expiresAt))
			return nil
		},
	}
}
