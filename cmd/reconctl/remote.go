package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"time"

	"reims/pkg/httpx"
	"reims/pkg/models"
	"reims/pkg/recerr"
	"reims/pkg/telemetry"

	"github.com/spf13/cobra"
)

type remoteFlags struct {
	server  string
	timeout time.Duration
	token   string
}

func (r *remoteFlags) client() *httpx.Client {
	return &httpx.Client{
		BaseURL:    r.server,
		HTTP:       telemetry.InstrumentClient(&http.Client{Timeout: r.timeout}),
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
		Token:      r.token,
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sessionCmd() *cobra.Command {
	rf := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Drive sessions on a running reconciler",
	}
	server := os.Getenv("RECON_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&rf.server, "server", server, "reconciler base URL")
	cmd.PersistentFlags().DurationVar(&rf.timeout, "timeout", 2*time.Minute, "request timeout")
	cmd.PersistentFlags().StringVar(&rf.token, "token", os.Getenv("RECON_TOKEN"), "bearer token when the server has auth enabled")

	var propertyID, periodID int64
	start := &cobra.Command{
		Use:   "start",
		Short: "Run a reconciliation for a property and period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess models.Session
			body := map[string]int64{"property_id": propertyID, "period_id": periodID}
			if err := rf.client().Do(cmd.Context(), http.MethodPost, "/v1/sessions", body, &sess); err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}
	start.Flags().Int64Var(&propertyID, "property", 0, "property id")
	start.Flags().Int64Var(&periodID, "period", 0, "period id")

	get := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session and its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess models.Session
			if err := rf.client().Do(cmd.Context(), http.MethodGet, "/v1/sessions/"+url.PathEscape(args[0]), nil, &sess); err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}

	var reviewer, notes, reason string
	approve := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve a session that is pending review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, rf, args[0], "approve", map[string]string{"reviewer": reviewer, "notes": notes})
		},
	}
	approve.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer name")
	approve.Flags().StringVar(&notes, "notes", "", "review notes")

	reject := &cobra.Command{
		Use:   "reject <session-id>",
		Short: "Reject a session; a reason is required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return recerr.New(recerr.ErrInvalidInput, "--reason is required")
			}
			return decide(cmd, rf, args[0], "reject", map[string]string{"reviewer": reviewer, "reason": reason})
		},
	}
	reject.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer name")
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")

	cmd.AddCommand(start, get, approve, reject)
	return cmd
}

func decide(cmd *cobra.Command, rf *remoteFlags, id, verb string, body map[string]string) error {
	var sess models.Session
	path := "/v1/sessions/" + url.PathEscape(id) + "/" + verb
	if err := rf.client().Do(cmd.Context(), http.MethodPost, path, body, &sess); err != nil {
		return err
	}
	return printJSON(cmd, sess)
}
