package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage relay access tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <relay>",
		Short: "Issue a bearer token for a relay",
		Long:  `Sign a token with transport.secret that lets the named relay connect to the gateway.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			tokens, err := tokenService(v)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	})
	return cmd
}
