package domain

import (
	"fmt"
	"strings"
	"time"
)

// Core domain models shared by services and adapters. API shapes live in
// internal/api; keep these decoupled from the wire format.

type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunInProgress, RunCompleted, RunFailed:
		return true
	}
	return false
}

type Category string

// Rule categories, in execution order.
const (
	CategoryUsability     Category = "usabilidad"
	CategoryLayout        Category = "layout"
	CategoryContent       Category = "contenido"
	CategorySecurity      Category = "seguridad"
	CategorySEO           Category = "seo"
	CategoryAccessibility Category = "accesibilidad"
)

// Run-level outcome categories; never selectable.
const (
	CategoryNavigation Category = "navigation"
	CategoryHTTP       Category = "http"
	CategorySystem     Category = "system"
)

// AllCategories is the default battery when a run selects none.
var AllCategories = []Category{
	CategoryUsability,
	CategoryLayout,
	CategoryContent,
	CategorySecurity,
	CategorySEO,
	CategoryAccessibility,
}

func (c Category) Selectable() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// UnknownCategoryError is returned when a selection names categories outside the battery.
type UnknownCategoryError struct {
	Names []string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown categories: %s", strings.Join(e.Names, ", "))
}

// ParseCategories normalizes a user selection. An empty selection means the
// whole battery. Duplicates are dropped and the result follows execution order.
func ParseCategories(names []string) ([]Category, error) {
	if len(names) == 0 {
		return append([]Category(nil), AllCategories...), nil
	}
	selected := make(map[Category]bool, len(names))
	var unknown []string
	for _, n := range names {
		c := Category(strings.ToLower(strings.TrimSpace(n)))
		if !c.Selectable() {
			unknown = append(unknown, n)
			continue
		}
		selected[c] = true
	}
	if len(unknown) > 0 {
		return nil, &UnknownCategoryError{Names: unknown}
	}
	out := make([]Category, 0, len(selected))
	for _, c := range AllCategories {
		if selected[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestWarning TestStatus = "warning"
	TestSkipped TestStatus = "skipped"
)

func (s TestStatus) Valid() bool {
	switch s {
	case TestPassed, TestFailed, TestWarning, TestSkipped:
		return true
	}
	return false
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySerious  Severity = "serious"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeveritySerious, SeverityCritical:
		return true
	}
	return false
}

// Run is one end-to-end audit of a single target address.
type Run struct {
	ID              string
	Target          string
	Domain          string // registrable domain (eTLD+1) of Target
	Categories      []Category
	Status          RunStatus
	OverallScore    *int
	ComplianceLevel *Tier
	CategoryScores  map[Category]int
	Error           string
	StartTime       time.Time
	EndTime         *time.Time
	Duration        *int // whole seconds
	CreatedAt       time.Time
}

// Battery returns the categories to execute, defaulting to the whole battery.
func (r Run) Battery() []Category {
	if len(r.Categories) == 0 {
		return AllCategories
	}
	return r.Categories
}

type TestOutcome struct {
	ID        int64
	RunID     string
	Category  Category
	Name      string
	Status    TestStatus
	Score     int
	Message   string
	Details   map[string]any
	CreatedAt time.Time
}

type Violation struct {
	ID          int64
	RunID       string
	RuleID      string
	Severity    Severity
	Description string
	Help        string
	Target      string // DOM locator
	HTML        string // offending snippet
	CreatedAt   time.Time
}

// CategoryResult is what one evaluator reports for its category.
type CategoryResult struct {
	Score      int
	Tests      []TestOutcome
	Violations []Violation
}

// CategoryOutcome is the ephemeral per-category result the aggregator consumes.
type CategoryOutcome struct {
	Category   Category
	Score      int
	Status     TestStatus
	Tests      []TestOutcome
	Violations []Violation
	Err        error // set when the evaluator failed and the outcome was degraded
}

// Failed reports whether the outcome was produced by the containment path.
func (o CategoryOutcome) Failed() bool { return o.Err != nil }

// CategoryStatus derives a category status from its score.
func CategoryStatus(score int) TestStatus {
	switch {
	case score >= 80:
		return TestPassed
	case score >= 60:
		return TestWarning
	default:
		return TestFailed
	}
}

// Finalization is the terminal write for a run.
type Finalization struct {
	RunID           string
	Status          RunStatus
	OverallScore    *int
	ComplianceLevel *Tier
	CategoryScores  map[Category]int
	Error           string
	EndTime         time.Time
	Duration        int
}

// ProgressEvent is a transient status update; it is never persisted.
type ProgressEvent struct {
	RunID          string    `json:"analysis_id"`
	Status         RunStatus `json:"status"`
	Progress       int       `json:"progress"`
	CurrentTest    string    `json:"current_test,omitempty"`
	CompletedTests int       `json:"completed_tests"`
	TotalTests     int       `json:"total_tests"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
