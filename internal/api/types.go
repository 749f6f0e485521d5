// Package api holds the JSON request and response shapes of the REST API and
// their conversions from domain values.
package api

import (
	"time"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

type Health struct {
	Status string `json:"status"`
}

type Error struct {
	Error string `json:"error"`
}

type CategoryList struct {
	Items []string `json:"items"`
}

type AnalysisRequest struct {
	URL        string   `json:"url"`
	Categories []string `json:"categories,omitempty"`
}

// PostAnalysesParams are the query parameters of POST /analyses.
type PostAnalysesParams struct {
	Wait    *bool `form:"wait" json:"wait,omitempty"`
	Timeout *int  `form:"timeout" json:"timeout,omitempty"` // seconds
}

// ListAnalysesParams are the query parameters of GET /analyses.
type ListAnalysesParams struct {
	Domain *string `form:"domain" json:"domain,omitempty"`
	Status *string `form:"status" json:"status,omitempty"`
	Limit  *int    `form:"limit" json:"limit,omitempty"`
	Offset *int    `form:"offset" json:"offset,omitempty"`
}

type AnalysisAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type AnalysisStatus struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	OverallScore    *int    `json:"overall_score,omitempty"`
	ComplianceLevel *string `json:"compliance_level,omitempty"`
	Error           string  `json:"error,omitempty"`
}

type CategoryScore struct {
	Category string `json:"category"`
	Score    int    `json:"score"`
	Status   string `json:"status"`
}

type AnalysisResult struct {
	ID              string          `json:"id"`
	OverallScore    int             `json:"overall_score"`
	ComplianceLevel string          `json:"compliance_level"`
	PerCategory     []CategoryScore `json:"per_category"`
}

type Analysis struct {
	ID              string         `json:"id"`
	URL             string         `json:"url"`
	Domain          string         `json:"domain"`
	Categories      []string       `json:"categories"`
	Status          string         `json:"status"`
	OverallScore    *int           `json:"overall_score,omitempty"`
	ComplianceLevel *string        `json:"compliance_level,omitempty"`
	CategoryScores  map[string]int `json:"category_scores,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	Duration        *int           `json:"duration,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

type AnalysisList struct {
	Items  []Analysis `json:"items"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

type TestResult struct {
	ID        int64          `json:"id"`
	Category  string         `json:"category"`
	TestName  string         `json:"test_name"`
	Status    string         `json:"status"`
	Score     int            `json:"score"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Violation struct {
	ID          int64     `json:"id"`
	RuleID      string    `json:"rule_id"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Help        string    `json:"help"`
	Target      string    `json:"target"`
	HTML        string    `json:"html"`
	CreatedAt   time.Time `json:"created_at"`
}

type DetailedResult struct {
	Analysis   Analysis     `json:"analysis"`
	Tests      []TestResult `json:"tests"`
	Violations []Violation  `json:"violations"`
}

func NewAnalysisStatus(v ports.StatusView) AnalysisStatus {
	return AnalysisStatus{
		ID:              v.ID,
		Status:          string(v.Status),
		OverallScore:    v.OverallScore,
		ComplianceLevel: tierString(v.ComplianceLevel),
		Error:           v.Error,
	}
}

func NewAnalysisResult(r ports.Result) AnalysisResult {
	out := AnalysisResult{
		ID:              r.ID,
		OverallScore:    r.OverallScore,
		ComplianceLevel: string(r.ComplianceLevel),
		PerCategory:     make([]CategoryScore, 0, len(r.PerCategory)),
	}
	for _, c := range r.PerCategory {
		out.PerCategory = append(out.PerCategory, CategoryScore{Category: string(c.Category), Score: c.Score, Status: string(c.Status)})
	}
	return out
}

func NewAnalysis(run domain.Run) Analysis {
	a := Analysis{
		ID:              run.ID,
		URL:             run.Target,
		Domain:          run.Domain,
		Categories:      make([]string, 0, len(run.Categories)),
		Status:          string(run.Status),
		OverallScore:    run.OverallScore,
		ComplianceLevel: tierString(run.ComplianceLevel),
		Error:           run.Error,
		StartTime:       run.StartTime,
		EndTime:         run.EndTime,
		Duration:        run.Duration,
		CreatedAt:       run.CreatedAt,
	}
	for _, c := range run.Categories {
		a.Categories = append(a.Categories, string(c))
	}
	if len(run.CategoryScores) > 0 {
		a.CategoryScores = make(map[string]int, len(run.CategoryScores))
		for c, s := range run.CategoryScores {
			a.CategoryScores[string(c)] = s
		}
	}
	return a
}

func NewAnalysisList(runs []domain.Run, limit, offset int) AnalysisList {
	out := AnalysisList{Items: make([]Analysis, 0, len(runs)), Limit: limit, Offset: offset}
	for _, r := range runs {
		out.Items = append(out.Items, NewAnalysis(r))
	}
	return out
}

func NewDetailedResult(d ports.DetailedResult) DetailedResult {
	out := DetailedResult{
		Analysis:   NewAnalysis(d.Run),
		Tests:      make([]TestResult, 0, len(d.Tests)),
		Violations: make([]Violation, 0, len(d.Violations)),
	}
	for _, t := range d.Tests {
		out.Tests = append(out.Tests, TestResult{
			ID: t.ID, Category: string(t.Category), TestName: t.Name, Status: string(t.Status),
			Score: t.Score, Message: t.Message, Details: t.Details, CreatedAt: t.CreatedAt,
		})
	}
	for _, v := range d.Violations {
		out.Violations = append(out.Violations, Violation{
			ID: v.ID, RuleID: v.RuleID, Severity: string(v.Severity), Description: v.Description,
			Help: v.Help, Target: v.Target, HTML: v.HTML, CreatedAt: v.CreatedAt,
		})
	}
	return out
}

func NewCategoryList(cs []domain.Category) CategoryList {
	out := CategoryList{Items: make([]string, 0, len(cs))}
	for _, c := range cs {
		out.Items = append(out.Items, string(c))
	}
	return out
}

func tierString(t *domain.Tier) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}
