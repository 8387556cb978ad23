package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/sandbox"
	"github.com/ashureev/shsh-recon/internal/validate"
)

func init() {
	scanCmd.Flags().Bool("wait", false, "poll until the scan finishes and print the report")
	chatCmd.Flags().String("session", "", "sandbox session id (defaults to the conversation id)")
	cancelCmd.Flags().String("session", "", "also cancel commands in this sandbox session")

	rootCmd.AddCommand(validateCmd, scanCmd, scanStatusCmd, chatCmd, cancelCmd, sessionsCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <target>",
	Short: "Check a scan target locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := validate.Domain(args[0])
		if !res.Valid {
			return fmt.Errorf("invalid target: %s", res.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid: %s\n", res.Sanitized)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Start the scan pipeline for a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(serverURL)
		var run domain.PipelineRun
		if err := c.do(cmd.Context(), http.MethodPost, "/api/scans", map[string]string{"target": args[0]}, &run); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scan %s started for %s\n", run.ScanID, run.Target)

		if wait, _ := cmd.Flags().GetBool("wait"); !wait {
			return nil
		}
		final, err := waitForScan(cmd.Context(), c, run.ScanID, pollInterval)
		if err != nil {
			return err
		}
		return printScan(cmd.OutOrStdout(), final)
	},
}

var scanStatusCmd = &cobra.Command{
	Use:   "scan-status <scan-id>",
	Short: "Show the state of a scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var run domain.PipelineRun
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/scans/"+url.PathEscape(args[0]), nil, &run); err != nil {
			return err
		}
		return printScan(cmd.OutOrStdout(), &run)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id> <message>",
	Short: "Send a message to the agent and wait for its answer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		c := newAPIClient(serverURL)
		body := map[string]string{"conversation_id": args[0], "message": args[1]}
		if session != "" {
			body["session_id"] = session
		}
		since := time.Now()
		if err := c.do(cmd.Context(), http.MethodPost, "/api/agent/chat", body, nil); err != nil {
			return err
		}

		run, err := waitForRun(cmd.Context(), c, args[0], since, pollInterval, func(r *domain.AgentRun) {
			line := string(r.Status)
			if r.CurrentTool != "" {
				line += " " + r.CurrentTool
			}
			fmt.Fprintln(cmd.ErrOrStderr(), line)
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), run.FinalResponse)
		if run.Status == domain.RunFailed {
			return fmt.Errorf("run failed")
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an agent run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		body := map[string]string{}
		if session != "" {
			body["session_id"] = session
		}
		path := "/api/agent/runs/" + url.PathEscape(args[0]) + "/cancel"
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, path, body, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sandbox sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp struct {
			Sessions []sandbox.Session `json:"sessions"`
		}
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/sessions", nil, &resp); err != nil {
			return err
		}
		if len(resp.Sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tCREATED\tLAST ACTIVITY")
		for _, s := range resp.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				s.ID,
				s.State,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
				s.LastActivity.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

func waitForScan(ctx context.Context, c *apiClient, scanID string, interval time.Duration) (*domain.PipelineRun, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var run domain.PipelineRun
		if err := c.do(ctx, http.MethodGet, "/api/scans/"+url.PathEscape(scanID), nil, &run); err != nil {
			return nil, err
		}
		if run.Status != domain.ScanRunning {
			return &run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitForRun polls a run until it reaches a terminal status updated after
// since. progress is called whenever the status or current tool changes.
// A run that has not been recorded yet is polled again.
func waitForRun(ctx context.Context, c *apiClient, runID string, since time.Time, interval time.Duration, progress func(*domain.AgentRun)) (*domain.AgentRun, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := ""
	for {
		var run domain.AgentRun
		err := c.do(ctx, http.MethodGet, "/api/agent/runs/"+url.PathEscape(runID), nil, &run)
		var apiErr *apiError
		switch {
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
		case err != nil:
			return nil, err
		case run.Status.Terminal() && run.UpdatedAt.Before(since):
			// Previous turn of the same conversation.
		default:
			if key := string(run.Status) + run.CurrentTool; key != last && progress != nil {
				last = key
				progress(&run)
			}
			if run.Status.Terminal() {
				return &run, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printScan(w io.Writer, run *domain.PipelineRun) error {
	fmt.Fprintf(w, "scan:   %s\ntarget: %s\nstatus: %s\n", run.ScanID, run.Target, run.Status)
	for _, stage := range domain.Stages {
		fmt.Fprintf(w, "  %-12s %s\n", stage, run.Stages[stage])
	}
	if len(run.Counters) > 0 {
		keys := make([]string, 0, len(run.Counters))
		for k := range run.Counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s=%d\n", k, run.Counters[k])
		}
	}
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}
	if run.Report != "" {
		fmt.Fprintf(w, "\n%s", run.Report)
	}
	return nil
}
