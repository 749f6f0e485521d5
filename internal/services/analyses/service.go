// Package analyses is the API-facing analysis service. It validates targets,
// queues runs for the background workers, runs inline analyses under a
// concurrency bound and projects stored runs into status and result views.
package analyses

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
	"govcheck/internal/services/categories"
	"govcheck/internal/services/orchestrator"
	"govcheck/internal/services/progress"
	"govcheck/internal/services/recorder"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

var _ ports.Analyses = (*Service)(nil)

// Store is what the service reads and the queued-run path claims from.
type Store interface {
	ports.RunRepository
	ports.RunQueue
}

type Service struct {
	store    Store
	recorder *recorder.Recorder
	orch     *orchestrator.Orchestrator
	registry *categories.Registry
	bus      *progress.Bus
	inline   *semaphore.Weighted
	wake     chan struct{}
	newID    func() string
	log      *slog.Logger
}

type Config struct {
	Store        Store
	Recorder     *recorder.Recorder
	Orchestrator *orchestrator.Orchestrator
	Registry     *categories.Registry
	Bus          *progress.Bus
	MaxInline    int
	Logger       *slog.Logger
}

func New(cfg Config) *Service {
	maxInline := cfg.MaxInline
	if maxInline <= 0 {
		maxInline = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		recorder: cfg.Recorder,
		orch:     cfg.Orchestrator,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		inline:   semaphore.NewWeighted(int64(maxInline)),
		wake:     make(chan struct{}, 1),
		newID:    uuid.NewString,
		log:      log,
	}
}

// Wakeups signals the dispatcher that a pending run was queued.
func (s *Service) Wakeups() <-chan struct{} { return s.wake }

// StartAnalysis queues a pending run and returns its id immediately.
func (s *Service) StartAnalysis(ctx context.Context, target string, names []string) (string, error) {
	req, err := s.request(target, names)
	if err != nil {
		return "", err
	}
	run := domain.Run{
		ID:         req.ID,
		Target:     req.Target,
		Domain:     req.Domain,
		Categories: req.Categories,
		Status:     domain.RunPending,
	}
	if err := s.recorder.CreateRun(ctx, run); err != nil {
		return "", err
	}
	s.log.Info("analysis queued", "run_id", run.ID, "target", run.Target, "categories", len(run.Categories))
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return run.ID, nil
}

// AnalyzeInline runs an analysis synchronously. It waits for an inline slot
// until ctx is done.
func (s *Service) AnalyzeInline(ctx context.Context, target string, names []string) (ports.StatusView, error) {
	req, err := s.request(target, names)
	if err != nil {
		return ports.StatusView{}, err
	}
	if err := s.inline.Acquire(ctx, 1); err != nil {
		return ports.StatusView{}, fmt.Errorf("wait for inline slot: %w", err)
	}
	defer s.inline.Release(1)

	run, err := s.orch.Analyze(ctx, req)
	if !run.Status.Terminal() {
		return ports.StatusView{}, err
	}
	if err != nil {
		s.log.Debug("inline analysis finished with error", "run_id", run.ID, "err", err)
	}
	return s.GetStatus(context.WithoutCancel(ctx), run.ID)
}

// RunQueued executes one specific pending run synchronously, bypassing the
// dispatcher. A run already claimed by a worker yields ports.ErrNotPending.
func (s *Service) RunQueued(ctx context.Context, id string) (ports.StatusView, error) {
	run, err := s.store.MarkInProgress(ctx, id, s.recorder.Now())
	if err != nil {
		return ports.StatusView{}, err
	}
	if _, err := s.orch.Execute(ctx, run); err != nil {
		s.log.Debug("queued analysis finished with error", "run_id", id, "err", err)
	}
	return s.GetStatus(context.WithoutCancel(ctx), id)
}

func (s *Service) GetStatus(ctx context.Context, id string) (ports.StatusView, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return ports.StatusView{}, err
	}
	return statusView(run), nil
}

// GetResult is only available once the run completed; otherwise ErrNotReady.
func (s *Service) GetResult(ctx context.Context, id string) (ports.Result, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return ports.Result{}, err
	}
	if run.Status != domain.RunCompleted || run.OverallScore == nil || run.ComplianceLevel == nil {
		return ports.Result{}, ports.ErrNotReady
	}
	res := ports.Result{
		ID:              run.ID,
		OverallScore:    *run.OverallScore,
		ComplianceLevel: *run.ComplianceLevel,
	}
	for _, c := range run.Battery() {
		score, ok := run.CategoryScores[c]
		if !ok {
			continue
		}
		res.PerCategory = append(res.PerCategory, ports.CategorySummary{
			Category: c,
			Score:    score,
			Status:   domain.CategoryStatus(score),
		})
	}
	return res, nil
}

func (s *Service) GetDetailedResult(ctx context.Context, id string) (ports.DetailedResult, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return ports.DetailedResult{}, err
	}
	tests, err := s.store.ListTestOutcomes(ctx, id)
	if err != nil {
		return ports.DetailedResult{}, fmt.Errorf("list tests of %s: %w", id, err)
	}
	violations, err := s.store.ListViolations(ctx, id)
	if err != nil {
		return ports.DetailedResult{}, fmt.Errorf("list violations of %s: %w", id, err)
	}
	return ports.DetailedResult{Run: run, Tests: tests, Violations: violations}, nil
}

func (s *Service) ListRuns(ctx context.Context, f ports.RunFilter) ([]domain.Run, error) {
	f = NormalizeFilter(f)
	return s.store.ListRuns(ctx, f)
}

// NormalizeFilter applies the default page size and clamps paging values.
func NormalizeFilter(f ports.RunFilter) ports.RunFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Domain = strings.ToLower(strings.TrimSpace(f.Domain))
	return f
}

// DeleteRun removes a terminal run. Active runs yield ports.ErrRunActive.
func (s *Service) DeleteRun(ctx context.Context, id string) error {
	if err := s.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	s.log.Info("analysis deleted", "run_id", id)
	return nil
}

func (s *Service) Categories() []domain.Category { return s.registry.Categories() }

func (s *Service) RegisterProgressSink(id string, sink ports.ProgressSink) { s.bus.Register(id, sink) }

func (s *Service) UnregisterProgressSink(id string) { s.bus.Unregister(id) }

func (s *Service) request(target string, names []string) (orchestrator.Request, error) {
	u, err := ParseTarget(target)
	if err != nil {
		return orchestrator.Request{}, err
	}
	cats, err := domain.ParseCategories(names)
	if err != nil {
		return orchestrator.Request{}, err
	}
	return orchestrator.Request{
		ID:         s.newID(),
		Target:     u.String(),
		Domain:     RegistrableDomain(u.Hostname()),
		Categories: cats,
	}, nil
}

// ParseTarget accepts absolute http and https URLs with a host.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ports.ErrInvalidTarget)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ports.ErrInvalidTarget)
	}
	return u, nil
}

// RegistrableDomain returns the eTLD+1 of host, or host itself when it has
// none (IP addresses, single-label names).
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return registrable
}

func statusView(run domain.Run) ports.StatusView {
	return ports.StatusView{
		ID:              run.ID,
		Status:          run.Status,
		OverallScore:    run.OverallScore,
		ComplianceLevel: run.ComplianceLevel,
		Error:           run.Error,
	}
}
