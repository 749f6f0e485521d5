package ports

import (
	"context"
	"errors"
	"net/http"
	"time"

	"govcheck/internal/domain"
)

// ErrNavigationTimeout lets page implementations report a timeout explicitly.
var ErrNavigationTimeout = errors.New("navigation timeout")

// ErrInvalidTarget is returned for targets that are not absolute http(s) URLs.
var ErrInvalidTarget = errors.New("invalid target url")

// Browser opens pages. Implementations may share one underlying process across
// runs, but every NewPage call must return a page no other run holds.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
}

// NavigateOptions controls a single navigation.
type NavigateOptions struct {
	Timeout   time.Duration
	WaitUntil string // load, domcontentloaded, networkidle
}

// Response describes the main document response of a navigation.
type Response struct {
	URL    string
	Status int
	Header http.Header
}

type Viewport struct {
	Width  int
	Height int
	Mobile bool
}

// Page is one browser tab owned by a single run.
type Page interface {
	// Navigate loads url. A nil Response with a nil error means the server
	// accepted the connection but sent nothing back.
	Navigate(ctx context.Context, url string, opts NavigateOptions) (*Response, error)
	// Response returns the last main document response, or nil before navigation.
	Response() *Response
	URL() string
	Content(ctx context.Context) (string, error)
	Viewport() Viewport
	SetViewport(ctx context.Context, vp Viewport) error
	Close() error
}

// ProgressSink receives progress events for one run, in publish order.
type ProgressSink interface {
	Send(ev domain.ProgressEvent) error
}

// StatusView is the cheap status projection of a run.
type StatusView struct {
	ID              string
	Status          domain.RunStatus
	OverallScore    *int
	ComplianceLevel *domain.Tier
	Error           string
}

type CategorySummary struct {
	Category domain.Category
	Score    int
	Status   domain.TestStatus
}

// Result is only available for completed runs.
type Result struct {
	ID              string
	OverallScore    int
	ComplianceLevel domain.Tier
	PerCategory     []CategorySummary
}

type DetailedResult struct {
	Run        domain.Run
	Tests      []domain.TestOutcome
	Violations []domain.Violation
}

// Analyses is the API-facing analysis service.
type Analyses interface {
	StartAnalysis(ctx context.Context, target string, categories []string) (string, error)
	AnalyzeInline(ctx context.Context, target string, categories []string) (StatusView, error)
	GetStatus(ctx context.Context, id string) (StatusView, error)
	GetResult(ctx context.Context, id string) (Result, error)
	GetDetailedResult(ctx context.Context, id string) (DetailedResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	DeleteRun(ctx context.Context, id string) error
	Categories() []domain.Category
	RegisterProgressSink(id string, sink ProgressSink)
	UnregisterProgressSink(id string)
}

// Profiles provides latest profiles for domains.
type Profiles interface {
	GetLatest(ctx context.Context, registrable string) (domain.Run, error)
}
