package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/siterisk/internal/replay"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

func newStateCmd(opts *options) *cobra.Command {
	var (
		at  string
		raw bool
	)
	cmd := &cobra.Command{
		Use:   "state <structure/level>",
		Short: "Show the current or historical risk of a level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := site.ParseRef(args[0])
			if err != nil {
				return err
			}
			q := url.Values{}
			if at != "" {
				if _, err := time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				q.Set("at", at)
			}
			var resp struct {
				State risk.State `json:"state"`
			}
			path := "/v1/levels/" + url.PathEscape(loc.Structure) + "/" + url.PathEscape(loc.Level)
			if err := opts.get(cmd.Context(), path, q, &resp); err != nil {
				return err
			}
			if raw {
				return printJSON(cmd.OutOrStdout(), resp.State)
			}
			printState(cmd, &resp.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reconstruct the state at this RFC3339 instant")
	cmd.Flags().BoolVar(&raw, "json", false, "print the state as JSON")
	return cmd
}

func printState(cmd *cobra.Command, s *risk.State) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  score %d (%s)  catalog %s  computed %s\n",
		s.Location, s.Score, s.Band, s.RuleCatalogVersion, s.ComputedAt.Format(time.RFC3339))
	for _, tr := range s.TriggeredRules {
		fmt.Fprintf(out, "  %-28s %-14s %+d\n", tr.RuleCode, tr.Category, tr.Contribution)
	}
	if s.Explanation != "" {
		fmt.Fprintf(out, "\n%s\n", s.Explanation)
	}
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <record-id>",
		Short: "Recompute an audit record from stored inputs and compare",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Verification replay.Verification `json:"verification"`
			}
			if err := opts.get(cmd.Context(), "/v1/audit/"+url.PathEscape(args[0])+"/verify", nil, &resp); err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp.Verification); err != nil {
				return err
			}
			if resp.Verification.Outcome == replay.OutcomeDiverged {
				return fmt.Errorf("record %s diverged on replay", args[0])
			}
			return nil
		},
	}
}
