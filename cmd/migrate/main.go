// Command migrate manages the siterisk Postgres schema.
//
//	DATABASE_URL=postgres://... migrate up
//	migrate down-to 3
//	migrate status
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/siterisk/migrations"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or roll back the siterisk schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	withProvider := func(fn func(ctx context.Context, p *goose.Provider, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("DATABASE_URL or --database-url is required")
			}
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			p, err := migrations.NewProvider(db)
			if err != nil {
				return err
			}
			return fn(ctx, p, cmd.OutOrStdout(), args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider, out io.Writer, _ []string) error {
				res, err := p.Up(ctx)
				printResults(out, res)
				return err
			}),
		},
		&cobra.Command{
			Use:   "up-to <version>",
			Short: "Apply pending migrations up to and including version",
			Args:  cobra.ExactArgs(1),
			RunE: withProvider(func(ctx context.Context, p *goose.Provider, out io.Writer, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				res, err := p.UpTo(ctx, v)
				printResults(out, res)
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider, out io.Writer, _ []string) error {
				res, err := p.Down(ctx)
				if res != nil {
					printResults(out, []*goose.MigrationResult{res})
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down-to <version>",
			Short: "Roll back migrations newer than version",
			Args:  cobra.ExactArgs(1),
			RunE: withProvider(func(ctx context.Context, p *goose.Provider, out io.Writer, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				res, err := p.DownTo(ctx, v)
				printResults(out, res)
				return err
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider, out io.Writer, _ []string) error {
				st, err := p.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(out, st)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider, out io.Writer, _ []string) error {
				v, err := p.GetDBVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, v)
				return nil
			}),
		},
	)
	return root
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

func printResults(out io.Writer, res []*goose.MigrationResult) {
	if len(res) == 0 {
		fmt.Fprintln(out, "no migrations to run")
		return
	}
	for _, r := range res {
		fmt.Fprintf(out, "%-4s %05d %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}

func printStatus(out io.Writer, st []*goose.MigrationStatus) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED\tFILE")
	for _, s := range st {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%05d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
	}
	_ = tw.Flush()
}
