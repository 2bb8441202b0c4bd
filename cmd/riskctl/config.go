package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/siterisk/internal/evaluator"
	"github.com/mbd888/siterisk/internal/explain"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
)

func newSiteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "site", Short: "Site layout commands"}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <site.yaml>",
		Short: "Check a site layout file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := site.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "site %s: %d structures, %d levels\n",
				reg.SiteID(), len(reg.StructureIDs()), len(reg.Levels()))
			return nil
		},
	})
	return cmd
}

func newCatalogCmd() *cobra.Command {
	var sitePath string
	cmd := &cobra.Command{Use: "catalog", Short: "Rule catalog commands"}
	validate := &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "Check a rule catalog against the evaluator and a site layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			reg, err := site.LoadFile(sitePath)
			if err != nil {
				return err
			}
			ev, err := evaluator.New(reg, explain.NewRenderer())
			if err != nil {
				return err
			}
			var failed int
			for _, r := range doc.Rules {
				if err := ev.CheckRule(r); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.Code, err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rules invalid", failed, len(doc.Rules))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog %s: %d rules ok\n", doc.Version, len(doc.Rules))
			return nil
		},
	}
	validate.Flags().StringVar(&sitePath, "site", "config/site.yaml", "site layout the catalog runs against")
	cmd.AddCommand(validate)
	return cmd
}
