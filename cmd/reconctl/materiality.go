package main

import (
	"fmt"
	"time"

	"reims/pkg/materiality"
	"reims/pkg/recerr"
	"reims/pkg/session"

	"github.com/spf13/cobra"
)

func materialityCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "materiality",
		Short: "Inspect materiality thresholds",
	}
	var (
		fixturePath string
		propertyID  int64
		stmt        string
		account     string
		asOfRaw     string
	)
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Show which threshold applies to an account and where it came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadFixture(fixturePath)
			if err != nil {
				return err
			}
			policy, err := f.policy()
			if err != nil {
				return err
			}
			dt, err := statement(stmt)
			if err != nil {
				return err
			}
			asOf := time.Now().UTC()
			switch {
			case asOfRaw != "":
				if asOf, err = time.Parse("2006-01-02", asOfRaw); err != nil {
					return recerr.Mark(err, recerr.ErrInvalidInput, "as-of %q", asOfRaw)
				}
			case !f.AsOf.IsZero():
				asOf = f.AsOf
			}
			if propertyID == 0 {
				propertyID = f.PropertyID
			}
			settings, err := g.settings()
			if err != nil {
				return err
			}
			tuning, err := session.FromSettings(settings)
			if err != nil {
				return err
			}
			var opts []materiality.Option
			if tuning.Session.Default != nil {
				opts = append(opts, materiality.WithDefault(*tuning.Session.Default))
			}
			r := materiality.FromPolicy(policy, opts...)
			th, err := r.Lookup(propertyID, dt, account, asOf)
			if err != nil && !recerr.Is(err, recerr.ErrConfigNotFound) {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "source:       %s", th.Source)
			if th.SourceID != 0 {
				fmt.Fprintf(out, " #%d", th.SourceID)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "absolute:     %s\n", th.Absolute.String())
			fmt.Fprintf(out, "relative_pct: %s\n", th.RelativePct.String())
			fmt.Fprintf(out, "risk_class:   %s\n", th.RiskClass)
			if err != nil {
				fmt.Fprintf(out, "note:         %s\n", recerr.ReasonOf(err))
			}
			return nil
		},
	}
	resolve.Flags().StringVarP(&fixturePath, "fixture", "f", "", "fixture holding the materiality policy")
	resolve.Flags().Int64Var(&propertyID, "property", 0, "property id (defaults to the fixture's)")
	resolve.Flags().StringVar(&stmt, "statement", "", "statement code (BS, IS, CF, RR, MS)")
	resolve.Flags().StringVar(&account, "account", "", "account code")
	resolve.Flags().StringVar(&asOfRaw, "as-of", "", "lookup date (YYYY-MM-DD)")
	_ = resolve.MarkFlagRequired("fixture")
	_ = resolve.MarkFlagRequired("statement")
	cmd.AddCommand(resolve)
	return cmd
}
