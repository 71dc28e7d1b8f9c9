package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"reims/pkg/learning"
	"reims/pkg/models"
	"reims/pkg/session"
	"reims/pkg/store"

	"github.com/spf13/cobra"
)

// runReport is what `run --json` prints.
type runReport struct {
	Session       models.Session       `json:"session"`
	Matches       []models.Match       `json:"matches"`
	Discrepancies []models.Discrepancy `json:"discrepancies"`
}

func runCmd(g *globals) *cobra.Command {
	var (
		fixturePath string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile a fixture in memory and print the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadFixture(fixturePath)
			if err != nil {
				return err
			}
			settings, err := g.settings()
			if err != nil {
				return err
			}
			tuning, err := session.FromSettings(settings)
			if err != nil {
				return err
			}
			report, err := reconcileFixture(cmd, f, tuning, g)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVarP(&fixturePath, "fixture", "f", "", "fixture file (yaml)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session, matches and discrepancies as JSON")
	_ = cmd.MarkFlagRequired("fixture")
	return cmd
}

func reconcileFixture(cmd *cobra.Command, f fixture, tuning session.Tuning, g *globals) (runReport, error) {
	items, err := f.items()
	if err != nil {
		return runReport{}, err
	}
	policy, err := f.policy()
	if err != nil {
		return runReport{}, err
	}
	syn, err := f.synonyms()
	if err != nil {
		return runReport{}, err
	}
	mem := store.NewMemory()
	mem.AddLineItems(items...)
	mem.SetPolicy(policy)
	mem.AddSynonyms(syn...)

	log := g.logger()
	defer func() { _ = log.Sync() }()
	opts := []session.Option{
		session.WithHealth(tuning.Health),
		session.WithLogger(log),
		session.WithLearner(learning.New(mem, tuning.Learning, learning.WithLogger(log))),
	}
	if !f.AsOf.IsZero() {
		asOf := f.AsOf
		opts = append(opts, session.WithClock(func() time.Time { return asOf }))
	}
	orch := session.New(mem, tuning.Session, opts...)

	ctx := cmd.Context()
	sess, err := orch.Run(ctx, f.PropertyID, f.PeriodID)
	if err != nil {
		return runReport{}, err
	}
	matches, err := orch.Matches(ctx, sess.ID)
	if err != nil {
		return runReport{}, err
	}
	ds, err := orch.Discrepancies(ctx, sess.ID)
	if err != nil {
		return runReport{}, err
	}
	return runReport{Session: sess, Matches: matches, Discrepancies: ds}, nil
}

func printReport(w io.Writer, r runReport) {
	s := r.Session.Summary
	fmt.Fprintf(w, "session %s  property %d  period %d\n", r.Session.ID, r.Session.PropertyID, r.Session.PeriodID)
	fmt.Fprintf(w, "status: %s  health: %.2f\n", r.Session.Status, s.HealthScore)
	fmt.Fprintf(w, "matches: %d", s.TotalMatches)
	strategies := make([]string, 0, len(s.PerStrategyCounts))
	for mt := range s.PerStrategyCounts {
		strategies = append(strategies, string(mt))
	}
	sort.Strings(strategies)
	for _, mt := range strategies {
		fmt.Fprintf(w, "  %s=%d", mt, s.PerStrategyCounts[models.MatchType(mt)])
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "unmatched: source=%d target=%d  conflicts: %d\n", s.UnmatchedSource, s.UnmatchedTarget, s.ConflictCount)
	fmt.Fprintf(w, "discrepancies: %d (open %d, auto-resolved %d)\n", s.DiscrepancyCount, s.OpenDiscrepancyCount, s.AutoResolvedCount)
	for _, d := range r.Discrepancies {
		subject := d.RuleID
		if subject == "" {
			subject = d.AccountCode
		}
		fmt.Fprintf(w, "  %-7s %-9s %-22s %-16s diff=%s  %s\n",
			d.ExceptionTier, d.Severity, d.Type, subject, d.Difference.StringFixed(2), d.Description)
	}
}
