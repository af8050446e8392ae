package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/proctor/internal/session"
)

const apiPrefix = "/api/v1"

// ============================================================================
// SESSIONS
// ============================================================================

func newSessionsCommand(ctx *cliContext) *cobra.Command {
	var (
		riskLevel    string
		status       string
		assessmentID string
		page         int
		pageSize     int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions held by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "risk", riskLevel)
			setIf(q, "status", status)
			setIf(q, "assessment_id", assessmentID)
			if page > 0 {
				q.Set("page", strconv.Itoa(page))
			}
			if pageSize > 0 {
				q.Set("page_size", strconv.Itoa(pageSize))
			}

			var out session.SessionPage
			if err := ctx.client().getJSON(cmd.Context(), apiPrefix+"/admin/sessions", q, &out); err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, out)
			}

			rows := make([][]string, 0, len(out.Sessions))
			for _, s := range out.Sessions {
				rows = append(rows, []string{
					s.SessionID,
					s.UserID,
					s.AssessmentID,
					s.Status,
					string(s.RiskLevel),
					strconv.Itoa(s.TotalViolations),
					s.CreatedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Session", "User", "Assessment", "Status", "Risk", "Violations", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			fmt.Fprintf(cmd.OutOrStdout(), "Page %d, %d of %d sessions\n", out.Page, len(out.Sessions), out.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&riskLevel, "risk", "", "Filter by risk level (low, medium, high, critical)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, completed, terminated)")
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "Filter by assessment id")
	cmd.Flags().IntVar(&page, "page", 0, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Sessions per page")
	return cmd
}

func newSessionCommand(ctx *cliContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect a single session",
	}

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the aggregated risk of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out session.AggregatedStatus
			if err := ctx.client().getJSON(cmd.Context(), apiPrefix+"/sessions/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Session:     %s\n", out.SessionID)
			fmt.Fprintf(w, "User:        %s\n", out.UserID)
			fmt.Fprintf(w, "Assessment:  %s\n", out.AssessmentID)
			fmt.Fprintf(w, "Status:      %s\n", out.Status)
			fmt.Fprintf(w, "Security:    %s\n", out.SecurityLevel)
			fmt.Fprintf(w, "Risk:        %s\n", out.RiskLevel)
			fmt.Fprintf(w, "Violations:  %d\n", out.TotalViolations)
			printRecommendations(w, out.Recommendations)
			return nil
		},
	})

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "report <session-id>",
		Short: "Show the final report of a completed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out session.Report
			if err := ctx.client().getJSON(cmd.Context(), apiPrefix+"/sessions/"+url.PathEscape(args[0])+"/report", nil, &out); err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Session:   %s (%s)\n", out.SessionID, out.Reason)
			fmt.Fprintf(w, "Duration:  %s\n", time.Duration(out.DurationSeconds*float64(time.Second)).Round(time.Second))
			fmt.Fprintf(w, "Risk:      %s\n", out.ComprehensiveReport.OverallRisk)
			printRecommendations(w, out.ComprehensiveReport.Recommendations)
			if len(out.ComprehensiveReport.ViolationTimeline) > 0 {
				fmt.Fprintln(w, timelineTable(out.ComprehensiveReport.ViolationTimeline, false))
			}
			return nil
		},
	})

	return sessionCmd
}

func printRecommendations(w io.Writer, recs []string) {
	if len(recs) == 0 {
		return
	}
	fmt.Fprintln(w, "Recommendations:")
	for _, r := range recs {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}

// ============================================================================
// VIOLATIONS
// ============================================================================

func newViolationsCommand(ctx *cliContext) *cobra.Command {
	var (
		severity     string
		vType        string
		component    string
		assessmentID string
		unhandled    bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "Show the violation feed, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "severity", severity)
			setIf(q, "type", vType)
			setIf(q, "component", component)
			setIf(q, "assessment_id", assessmentID)
			if unhandled {
				q.Set("handled", "false")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var out struct {
				Violations []session.TimelineEntry `json:"violations"`
				Count      int                     `json:"count"`
			}
			if err := ctx.client().getJSON(cmd.Context(), apiPrefix+"/admin/violations", q, &out); err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, out)
			}
			if out.Count == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No violations")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), timelineTable(out.Violations, true))
			return nil
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "Filter by severity")
	cmd.Flags().StringVar(&vType, "type", "", "Filter by violation type")
	cmd.Flags().StringVar(&component, "component", "", "Filter by component (browser, webcam, ai)")
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "Filter by assessment id")
	cmd.Flags().BoolVar(&unhandled, "unhandled", false, "Only violations not yet acknowledged")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of violations")
	return cmd
}

func timelineTable(entries []session.TimelineEntry, withSession bool) string {
	headers := []string{"Time", "Component", "Type", "Severity", "Handled", "ID"}
	if withSession {
		headers = append([]string{"Session"}, headers...)
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := []string{
			e.Timestamp.Local().Format(time.DateTime),
			e.Component.String(),
			e.Type,
			string(e.Severity),
			yesNo(e.Handled),
			e.ID,
		}
		if withSession {
			row = append([]string{e.SessionID}, row...)
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, nil)
}

func newAckCommand(ctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <session-id> <component> <violation-id>",
		Short: "Acknowledge a violation",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("%s/admin/sessions/%s/violations/%s/%s/ack", apiPrefix,
				url.PathEscape(args[0]), url.PathEscape(args[1]), url.PathEscape(args[2]))
			var out map[string]any
			if err := ctx.client().callJSON(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s on %s\n", args[2], args[0])
			return nil
		},
	}
}

// ============================================================================
// EXPORT
// ============================================================================

func newExportCommand(ctx *cliContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:       "export <sessions|violations|report> [session-id]",
		Short:     "Download CSV exports",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"sessions", "violations", "report"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch strings.ToLower(args[0]) {
			case "sessions":
				path = apiPrefix + "/admin/export/sessions.csv"
			case "violations":
				path = apiPrefix + "/admin/export/violations.csv"
			case "report":
				if len(args) != 2 {
					return fmt.Errorf("export report needs a session id")
				}
				path = apiPrefix + "/admin/sessions/" + url.PathEscape(args[1]) + "/report.csv"
			default:
				return fmt.Errorf("unknown export %q", args[0])
			}

			if output == "" || output == "-" {
				return ctx.client().download(cmd.Context(), path, nil, cmd.OutOrStdout())
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := ctx.client().download(cmd.Context(), path, nil, f); err != nil {
				f.Close()
				os.Remove(output)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
