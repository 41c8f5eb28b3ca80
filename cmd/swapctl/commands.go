// cmd/swapctl/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"bookswap/internal/auth"
	"bookswap/internal/config"
	"bookswap/internal/postgres"
	"bookswap/pkg/eventstore"
)

type options struct {
	databaseURL string
	jwtSecret   string
	tokenTTL    time.Duration
	after       int64
	limit       int
	types       []string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "swapctl",
		Short:         "Operate the bookswap database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("database-url") {
				opts.databaseURL = cfg.DatabaseURL
			}
			if !cmd.Flags().Changed("jwt-secret") {
				opts.jwtSecret = cfg.JWTSecret
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "Postgres URL (default $DATABASE_URL)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), opts, func(db *sqlx.DB) error {
				applied, err := postgres.Migrate(cmd.Context(), db)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [request-id]",
		Short: "Print a swap request as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			return withDB(cmd.Context(), opts, func(db *sqlx.DB) error {
				r, err := postgres.NewStore(db).GetSwapRequest(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			})
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [request-id]",
		Short: "Print the audit trail of a swap request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			return withDB(cmd.Context(), opts, func(db *sqlx.DB) error {
				events, err := postgres.NewStore(db).History(cmd.Context(), id)
				if err != nil {
					return err
				}
				for _, e := range events {
					fmt.Fprintf(cmd.OutOrStdout(), "v%d\t%s\t%s\t%s\t%s\n",
						e.Version, e.OccurredAt.Format(time.RFC3339), e.Kind, e.FromStatus+" -> "+e.ToStatus, e.ActorID)
				}
				return nil
			})
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Page through the event log in commit order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return withDB(cmd.Context(), opts, func(db *sqlx.DB) error {
				events, err := eventstore.NewEventStore(db).StreamEvents(cmd.Context(), opts.after, opts.limit, opts.types...)
				if err != nil {
					return err
				}
				for _, e := range events {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\tv%d\t%s\n",
						e.ID, e.AggregateType, e.AggregateID, e.Version, e.EventType)
				}
				return nil
			})
		},
	}
	eventsCmd.Flags().Int64Var(&opts.after, "after", 0, "Only events with an id greater than this")
	eventsCmd.Flags().IntVar(&opts.limit, "limit", 50, "Maximum number of events")
	eventsCmd.Flags().StringSliceVar(&opts.types, "type", nil, "Aggregate types to include (swap_request, book)")

	tokenCmd := &cobra.Command{
		Use:   "token [actor-id]",
		Short: "Issue a bearer token for an actor (development only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid actor id %q: %w", args[0], err)
			}
			if opts.jwtSecret == "" {
				return fmt.Errorf("no signing secret: set JWT_SECRET or --jwt-secret")
			}
			token, err := auth.NewVerifier(opts.jwtSecret).Issue(actor, opts.tokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&opts.jwtSecret, "jwt-secret", "", "HMAC signing secret (default $JWT_SECRET)")
	tokenCmd.Flags().DurationVar(&opts.tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(migrateCmd, showCmd, historyCmd, eventsCmd, tokenCmd)
	return rootCmd
}

func withDB(ctx context.Context, opts *options, fn func(db *sqlx.DB) error) error {
	db, err := postgres.Open(ctx, opts.databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
