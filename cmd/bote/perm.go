package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/HerbHall/bote/internal/permission"
)

func newPermCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perm",
		Short: "Manage permission grants in the database",
		Long: `Edit the grants stored in database.path directly. Changes are visible
to a running bot on its next permission check.`,
	}

	// with opens the permission store for the duration of fn.
	with := func(cmd *cobra.Command, fn func(ctx context.Context, pe *permission.SQLStore) error) error {
		v, logger, err := flags.load()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		ctx := cmd.Context()
		st, err := openStore(ctx, v, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		pe, err := permission.NewSQLStore(ctx, st)
		if err != nil {
			return err
		}
		return fn(ctx, pe)
	}

	var lifetime time.Duration
	grant := &cobra.Command{
		Use:   "grant <subject> <node>",
		Short: "Grant a permission node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, pe *permission.SQLStore) error {
				if lifetime > 0 {
					return pe.GrantUntil(ctx, args[0], args[1], time.Now().Add(lifetime))
				}
				return pe.Grant(ctx, args[0], args[1])
			})
		},
	}
	grant.Flags().DurationVar(&lifetime, "for", 0, "expire the grant after this long (default: never)")

	revoke := &cobra.Command{
		Use:   "revoke <subject> <node>",
		Short: "Revoke an active grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, pe *permission.SQLStore) error {
				return pe.Revoke(ctx, args[0], args[1])
			})
		},
	}

	check := &cobra.Command{
		Use:   "check <subject> <node>",
		Short: "Report whether a subject holds a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, pe *permission.SQLStore) error {
				ok, err := pe.Check(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				verdict := "denied"
				if ok {
					verdict = "allowed"
				}
				fmt.Fprintln(cmd.OutOrStdout(), verdict)
				return nil
			})
		},
	}

	var history bool
	list := &cobra.Command{
		Use:   "list <subject>",
		Short: "List a subject's grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, pe *permission.SQLStore) error {
				load := pe.List
				if history {
					load = pe.History
				}
				grants, err := load(ctx, args[0])
				if err != nil {
					return err
				}
				for _, g := range grants {
					until := "never"
					if !g.Expire.IsZero() {
						until = g.Expire.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\texpires %s\n", g.Node, until)
				}
				return nil
			})
		},
	}
	list.Flags().BoolVar(&history, "history", false, "include expired and revoked grants")

	cmd.AddCommand(grant, revoke, check, list)
	return cmd
}
