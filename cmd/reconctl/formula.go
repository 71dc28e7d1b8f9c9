package main

import (
	"fmt"
	"strings"

	"reims/pkg/calcrule"

	"github.com/spf13/cobra"
)

func formulaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formula",
		Short: "Work with calculated-rule formulas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <formula>",
		Short: "Parse a formula and print its canonical form",
		Long: `Parse a formula such as "BS.retained_earnings = IS.net_income" and print
its kind, canonical spelling and referenced fields. Exits non-zero when the
formula does not parse.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := calcrule.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kind:    %s\n", f.Kind)
			fmt.Fprintf(out, "formula: %s\n", f.String())
			refs := make([]string, 0, len(f.Terms)+1)
			for _, r := range f.Refs() {
				refs = append(refs, r.String())
			}
			fmt.Fprintf(out, "fields:  %s\n", strings.Join(refs, ", "))
			return nil
		},
	})
	return cmd
}
