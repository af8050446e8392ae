package session

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	sessionCSVHeader   = []string{"session_id", "user_id", "assessment_id", "status", "security_level", "risk_level", "total_violations", "created_at"}
	violationCSVHeader = []string{"session_id", "assessment_id", "component", "id", "type", "severity", "timestamp", "handled"}
)

// formulaTriggers are leading characters a spreadsheet evaluates as a formula.
const formulaTriggers = "=+-@\t\r"

// neutralize prefixes cells that would otherwise run as a formula when the
// export is opened in a spreadsheet.
func neutralize(record []string) []string {
	for i, cell := range record {
		if cell != "" && strings.ContainsRune(formulaTriggers, rune(cell[0])) {
			record[i] = "'" + cell
		}
	}
	return record
}

// WriteSessionsCSV writes the rows of a session page as CSV.
func WriteSessionsCSV(w io.Writer, rows []SessionRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(sessionCSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.SessionID,
			r.UserID,
			r.AssessmentID,
			r.Status,
			string(r.SecurityLevel),
			string(r.RiskLevel),
			strconv.Itoa(r.TotalViolations),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(neutralize(record)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteViolationsCSV writes timeline entries as CSV.
func WriteViolationsCSV(w io.Writer, entries []TimelineEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(violationCSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(neutralize(violationRecord(e))); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReportCSV writes the violation timeline of a final report.
func WriteReportCSV(w io.Writer, r *Report) error {
	return WriteViolationsCSV(w, r.ComprehensiveReport.ViolationTimeline)
}

func violationRecord(e TimelineEntry) []string {
	return []string{
		e.SessionID,
		e.AssessmentID,
		e.Component.String(),
		e.ID,
		e.Type,
		string(e.Severity),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatBool(e.Handled),
	}
}
