package session

import (
	"context"
	"sort"
	"time"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/risk"
)

// Paging limits for the admin views.
const (
	defaultPageSize  = 20
	maxPageSize      = 100
	defaultFeedLimit = 100
	maxFeedLimit     = 1000
)

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	RiskLevel    core.RiskLevel
	Status       string
	AssessmentID string
	Page         int
	PageSize     int
}

func (f SessionFilter) bounds() (page, size int) {
	page, size = f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

// SessionRow is one line of the session list.
type SessionRow struct {
	SessionID       string             `json:"sessionId"`
	UserID          string             `json:"userId"`
	AssessmentID    string             `json:"assessmentId"`
	Status          string             `json:"status"`
	SecurityLevel   core.SecurityLevel `json:"securityLevel"`
	RiskLevel       core.RiskLevel     `json:"riskLevel"`
	TotalViolations int                `json:"totalViolations"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// SessionPage is a page of SessionRows.
type SessionPage struct {
	Sessions []SessionRow `json:"sessions"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
}

// ListSessions pages over the sessions held by this instance, oldest first.
func (c *Coordinator) ListSessions(ctx context.Context, f SessionFilter) SessionPage {
	page, size := f.bounds()
	rows := []SessionRow{}
	for _, s := range c.registry.All() {
		if f.AssessmentID != "" && s.AssessmentID != f.AssessmentID {
			continue
		}
		status := s.status()
		if f.Status != "" && status != f.Status {
			continue
		}
		b, w, a := s.states()
		assessment := risk.Aggregate(b, w, a)
		if f.RiskLevel != "" && assessment.RiskLevel != f.RiskLevel {
			continue
		}
		rows = append(rows, SessionRow{
			SessionID:       s.ID,
			UserID:          s.UserID,
			AssessmentID:    s.AssessmentID,
			Status:          status,
			SecurityLevel:   s.SecurityLevel,
			RiskLevel:       assessment.RiskLevel,
			TotalViolations: assessment.TotalViolations,
			CreatedAt:       s.CreatedAt,
		})
	}

	out := SessionPage{Sessions: []SessionRow{}, Total: len(rows), Page: page, PageSize: size}
	start := (page - 1) * size
	if start < len(rows) {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out.Sessions = rows[start:end]
	}
	return out
}

// ViolationFilter narrows ViolationFeed. Nil and empty fields match everything.
type ViolationFilter struct {
	Severity     core.Severity
	Type         string
	Component    *core.Component
	Handled      *bool
	AssessmentID string
	Limit        int
}

func (f ViolationFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultFeedLimit
	case f.Limit > maxFeedLimit:
		return maxFeedLimit
	}
	return f.Limit
}

func (f ViolationFilter) match(e TimelineEntry) bool {
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Component != nil && e.Component != *f.Component {
		return false
	}
	if f.Handled != nil && e.Handled != *f.Handled {
		return false
	}
	return true
}

// ViolationFeed merges the violations of every session on this instance,
// newest first.
func (c *Coordinator) ViolationFeed(ctx context.Context, f ViolationFilter) []TimelineEntry {
	out := []TimelineEntry{}
	for _, s := range c.registry.All() {
		if f.AssessmentID != "" && s.AssessmentID != f.AssessmentID {
			continue
		}
		b, w, a := s.states()
		for _, e := range timeline(s.ID, s.AssessmentID, b, w, a) {
			if f.match(e) {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out
}
