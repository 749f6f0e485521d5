package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcheck/internal/adapters/sqlite"
	"govcheck/internal/domain"
	"govcheck/internal/logging"
	"govcheck/internal/metrics"
	"govcheck/internal/ports"
	"govcheck/internal/ports/portstest"
	"govcheck/internal/services/categories"
	"govcheck/internal/services/progress"
	"govcheck/internal/services/recorder"
	"govcheck/internal/services/session"
)

type fixedEvaluator struct {
	category domain.Category
	score    int
	err      error
	panics   bool
	calls    *int
	mu       *sync.Mutex
}

func (f fixedEvaluator) Category() domain.Category { return f.category }

func (f fixedEvaluator) RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error) {
	if f.calls != nil {
		f.mu.Lock()
		*f.calls++
		f.mu.Unlock()
	}
	if f.panics {
		panic("evaluator exploded")
	}
	if f.err != nil {
		return domain.CategoryResult{}, f.err
	}
	res := domain.CategoryResult{
		Score: f.score,
		Tests: []domain.TestOutcome{{Name: string(f.category) + "_check", Status: domain.CategoryStatus(f.score), Score: f.score}},
	}
	if f.category == domain.CategoryAccessibility {
		res.Violations = []domain.Violation{{RuleID: "image-alt", Severity: domain.SeveritySerious, Description: "img without alt"}}
	}
	return res, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (l *eventLog) Send(ev domain.ProgressEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) all() []domain.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ProgressEvent(nil), l.events...)
}

type harness struct {
	orch    *Orchestrator
	store   ports.RunRepository
	repo    *portstest.Repository
	browser *portstest.Browser
	bus     *progress.Bus
	page    *portstest.Page
}

func newHarness(t *testing.T, page *portstest.Page, evs ...categories.Evaluator) *harness {
	t.Helper()
	repo := portstest.NewRepository()
	h := newHarnessOn(t, repo, page, evs...)
	h.repo = repo
	return h
}

// newHarnessOn wires the orchestrator to an arbitrary store. h.repo stays nil.
func newHarnessOn(t *testing.T, store ports.RunRepository, page *portstest.Page, evs ...categories.Evaluator) *harness {
	t.Helper()
	log := logging.Discard()
	clock := clockwork.NewRealClock()
	reg, err := categories.NewRegistry(evs...)
	require.NoError(t, err)
	browser := &portstest.Browser{Factory: func() *portstest.Page { return page }}
	bus := progress.NewBus(clock, log)
	orch := New(Config{
		Sessions:          session.NewManager(browser, "load", log),
		Runner:            categories.NewRunner(reg, 0, clock, log),
		Recorder:          recorder.New(store, log, recorder.WithRetryDelay(time.Millisecond)),
		Bus:               bus,
		Metrics:           metrics.New(prometheus.NewRegistry()),
		Clock:             clock,
		NavigationTimeout: time.Second,
		Logger:            log,
	})
	return &harness{orch: orch, store: store, browser: browser, bus: bus, page: page}
}

func battery(scores map[domain.Category]int) []categories.Evaluator {
	var out []categories.Evaluator
	for _, c := range domain.AllCategories {
		out = append(out, fixedEvaluator{category: c, score: scores[c]})
	}
	return out
}

func (h *harness) analyze(t *testing.T, id string) (domain.Run, error, []domain.ProgressEvent) {
	t.Helper()
	sink := &eventLog{}
	h.bus.Register(id, sink)
	_, err := h.orch.Analyze(context.Background(), Request{ID: id, Target: "https://www.example.gob", Domain: "example.gob"})
	run, gerr := h.store.GetRun(context.Background(), id)
	require.NoError(t, gerr)
	require.Eventually(t, func() bool {
		evs := sink.all()
		return len(evs) > 0 && evs[len(evs)-1].Status.Terminal()
	}, time.Second, 5*time.Millisecond)
	return run, err, sink.all()
}

func assertMonotonic(t *testing.T, events []domain.ProgressEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress, "event %d", i)
	}
}

func TestAllCategoriesSucceed(t *testing.T) {
	scores := map[domain.Category]int{
		domain.CategoryUsability:     100,
		domain.CategoryLayout:        100,
		domain.CategoryContent:       100,
		domain.CategorySecurity:      100,
		domain.CategorySEO:           100,
		domain.CategoryAccessibility: 40,
	}
	h := newHarness(t, &portstest.Page{HTML: "<html></html>"}, battery(scores)...)

	run, err, events := h.analyze(t, "run-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	require.NotNil(t, run.OverallScore)
	assert.Equal(t, 90, *run.OverallScore)
	assert.Equal(t, domain.TierExcellent, *run.ComplianceLevel)
	assert.Equal(t, 40, run.CategoryScores[domain.CategoryAccessibility])
	require.NotNil(t, run.EndTime)
	require.NotNil(t, run.Duration)
	assert.GreaterOrEqual(t, *run.Duration, 0)

	tests, _ := h.repo.ListTestOutcomes(context.Background(), "run-ok")
	assert.Len(t, tests, 6)
	assert.Equal(t, 6, h.repo.Observed["run-ok"], "outcomes are stored before the terminal write")
	vs, _ := h.repo.ListViolations(context.Background(), "run-ok")
	assert.Len(t, vs, 1)

	assert.Equal(t, 1, h.page.Closes())

	assertMonotonic(t, events)
	assert.Equal(t, 5, events[0].Progress)
	last := events[len(events)-1]
	assert.Equal(t, domain.RunCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, 6, last.CompletedTests)
	for _, ev := range events[:len(events)-1] {
		if ev.CurrentTest != "saving results" {
			assert.LessOrEqual(t, ev.Progress, 85)
		}
	}
}

func TestHTTPNotFoundFailsRun(t *testing.T) {
	h := newHarness(t, &portstest.Page{Status: http.StatusNotFound}, battery(nil)...)

	run, err, events := h.analyze(t, "run-404")
	var navErr *session.NavigationError
	require.ErrorAs(t, err, &navErr)

	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Nil(t, run.OverallScore)
	assert.Nil(t, run.ComplianceLevel)
	require.NotNil(t, run.EndTime)
	require.NotNil(t, run.Duration)
	assert.NotEmpty(t, run.Error)

	tests, _ := h.repo.ListTestOutcomes(context.Background(), "run-404")
	require.Len(t, tests, 1)
	assert.Equal(t, domain.CategoryNavigation, tests[0].Category)
	assert.Equal(t, domain.TestFailed, tests[0].Status)
	assert.Equal(t, 0, tests[0].Score)

	assert.Equal(t, 1, h.page.Closes())
	assertMonotonic(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.RunFailed, last.Status)
	assert.Contains(t, last.Error, "404")
}

func TestNavigationTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, &portstest.Page{NavDelay: 5 * time.Second}, battery(nil)...)
	h.orch.navTimeout = 20 * time.Millisecond

	run, err, events := h.analyze(t, "run-timeout")
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Nil(t, run.OverallScore)

	tests, _ := h.repo.ListTestOutcomes(context.Background(), "run-timeout")
	require.Len(t, tests, 1)
	assert.Contains(t, tests[0].Message, "timed out")
	assert.NotEmpty(t, events[len(events)-1].Error)
}

func TestCategoryFailureIsContained(t *testing.T) {
	var evs []categories.Evaluator
	calls := 0
	mu := &sync.Mutex{}
	for _, c := range domain.AllCategories {
		ev := fixedEvaluator{category: c, score: 90, calls: &calls, mu: mu}
		if c == domain.CategorySecurity {
			ev.err = errors.New("evaluate headers: execution context destroyed")
		}
		evs = append(evs, ev)
	}
	h := newHarness(t, &portstest.Page{}, evs...)

	run, err, _ := h.analyze(t, "run-contained")
	require.NoError(t, err)
	assert.Equal(t, 6, calls, "every category still runs")
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 75, *run.OverallScore)
	assert.Equal(t, domain.TierPartial, *run.ComplianceLevel)

	tests, _ := h.repo.ListTestOutcomes(context.Background(), "run-contained")
	var failed []domain.TestOutcome
	for _, tc := range tests {
		if tc.Name == categories.ExecutionTestName {
			failed = append(failed, tc)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, domain.CategorySecurity, failed[0].Category)
	assert.Equal(t, domain.TestFailed, failed[0].Status)
	assert.Equal(t, 0, failed[0].Score)
}

func TestEvaluatorPanicIsContained(t *testing.T) {
	evs := battery(map[domain.Category]int{
		domain.CategoryUsability: 80, domain.CategoryLayout: 80, domain.CategoryContent: 80,
		domain.CategorySecurity: 80, domain.CategorySEO: 80,
	})
	evs[len(evs)-1] = fixedEvaluator{category: domain.CategoryAccessibility, panics: true}
	h := newHarness(t, &portstest.Page{}, evs...)

	run, err, _ := h.analyze(t, "run-panic")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 67, *run.OverallScore)
	assert.Equal(t, 1, h.page.Closes())
}

func TestPersistenceFailureFailsRun(t *testing.T) {
	h := newHarness(t, &portstest.Page{}, battery(nil)...)
	h.repo.RecordErr = errors.New("write failed")

	run, err, events := h.analyze(t, "run-persist")
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status, "never left in_progress")
	require.NotNil(t, run.EndTime)
	assert.Equal(t, 1, h.page.Closes())
	assert.Contains(t, events[len(events)-1].Error, "write failed")
}

func TestFinalizeRetriedOnce(t *testing.T) {
	h := newHarness(t, &portstest.Page{}, battery(map[domain.Category]int{domain.CategorySEO: 100})...)
	h.repo.FinalizeFailures = 1
	h.repo.FinalizeErr = errors.New("connection reset")

	run, err, _ := h.analyze(t, "run-retry")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 2, h.repo.FinalizeCalls)
}

func TestFinalizeFailureFallsBackToFailed(t *testing.T) {
	h := newHarness(t, &portstest.Page{}, battery(nil)...)
	h.repo.FinalizeFailures = 2
	h.repo.FinalizeErr = errors.New("connection reset")

	run, err, events := h.analyze(t, "run-fallback")
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.RunFailed, events[len(events)-1].Status)
}

// lostReplyRepo commits the first finalize and then reports a transport error,
// as a connection dropped after COMMIT would.
type lostReplyRepo struct {
	*portstest.Repository
	mu    sync.Mutex
	calls int
}

func (r *lostReplyRepo) Finalize(ctx context.Context, f domain.Finalization) error {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()
	if err := r.Repository.Finalize(ctx, f); err != nil {
		return err
	}
	if first {
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestFinalizeCommittedButUnacknowledgedReportsCompleted(t *testing.T) {
	repo := &lostReplyRepo{Repository: portstest.NewRepository()}
	h := newHarnessOn(t, repo, &portstest.Page{}, battery(map[domain.Category]int{domain.CategorySEO: 100, domain.CategoryContent: 100})...)

	run, err, events := h.analyze(t, "run-lost-reply")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls, "the retry sees the earlier commit")
	assert.Equal(t, domain.RunCompleted, run.Status)
	require.NotNil(t, run.OverallScore)

	last := events[len(events)-1]
	assert.Equal(t, domain.RunCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.Empty(t, last.Error)

	tests, _ := repo.ListTestOutcomes(context.Background(), "run-lost-reply")
	for _, tc := range tests {
		assert.NotEqual(t, domain.CategorySystem, tc.Category, "no failure outcome is appended")
	}
}

func TestRunFinalizedElsewhereReportsStoredFailure(t *testing.T) {
	h := newHarness(t, &portstest.Page{}, battery(nil)...)
	require.NoError(t, h.repo.CreateRun(context.Background(), domain.Run{ID: "run-raced", Target: "https://a.gob", Status: domain.RunInProgress, StartTime: time.Now().UTC()}))
	require.NoError(t, h.repo.Finalize(context.Background(), domain.Finalization{RunID: "run-raced", Status: domain.RunFailed, Error: "analysis interrupted", EndTime: time.Now().UTC()}))

	sink := &eventLog{}
	h.bus.Register("run-raced", sink)
	status, err := h.orch.Execute(context.Background(), domain.Run{ID: "run-raced", Target: "https://a.gob", Status: domain.RunInProgress, StartTime: time.Now().UTC()})
	assert.ErrorIs(t, err, ports.ErrAlreadyFinalized)
	assert.Equal(t, domain.RunFailed, status)
	require.Eventually(t, func() bool {
		evs := sink.all()
		return len(evs) > 0 && evs[len(evs)-1].Status.Terminal()
	}, time.Second, 5*time.Millisecond)
	evs := sink.all()
	assert.Equal(t, "analysis interrupted", evs[len(evs)-1].Error)
}

// looseEvaluator returns outcomes without statuses or severities.
type looseEvaluator struct {
	category domain.Category
	severity domain.Severity
}

func (l looseEvaluator) Category() domain.Category { return l.category }

func (l looseEvaluator) RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error) {
	return domain.CategoryResult{
		Score:      70,
		Tests:      []domain.TestOutcome{{Name: "unlabelled", Score: 70, Status: ""}},
		Violations: []domain.Violation{{RuleID: "region", Severity: l.severity}},
	}, nil
}

func TestLooseEvaluatorOutputIsStoredInSQLite(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "govcheck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background(), logging.Discard()))

	h := newHarnessOn(t, db, &portstest.Page{},
		looseEvaluator{category: domain.CategorySEO},
		looseEvaluator{category: domain.CategoryAccessibility, severity: "blocker"},
	)
	run, err, _ := h.analyze(t, "run-loose")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 70, run.CategoryScores[domain.CategorySEO])
	assert.Equal(t, 0, run.CategoryScores[domain.CategoryAccessibility], "unknown severity fails only its category")

	tests, err := db.ListTestOutcomes(context.Background(), "run-loose")
	require.NoError(t, err)
	byName := map[string]domain.TestOutcome{}
	for _, tc := range tests {
		byName[tc.Name] = tc
	}
	assert.Equal(t, domain.TestWarning, byName["unlabelled"].Status)
	assert.Equal(t, domain.CategoryAccessibility, byName[categories.ExecutionTestName].Category)
}

func TestUnregisteredCategoriesAreSkipped(t *testing.T) {
	h := newHarness(t, &portstest.Page{}, fixedEvaluator{category: domain.CategorySEO, score: 80})

	run, err, _ := h.analyze(t, "run-partial-registry")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 80, *run.OverallScore)
	assert.Len(t, run.CategoryScores, 1)
}

func TestExecuteClaimedRun(t *testing.T) {
	h := newHarness(t, &portstest.Page{}, battery(map[domain.Category]int{domain.CategorySEO: 60, domain.CategoryContent: 100})...)
	start := time.Now().UTC()
	require.NoError(t, h.repo.CreateRun(context.Background(), domain.Run{
		ID: "run-claimed", Target: "https://a.gob", Status: domain.RunPending,
		Categories: []domain.Category{domain.CategoryContent, domain.CategorySEO}, CreatedAt: start,
	}))
	claimed, found, err := h.repo.ClaimNext(context.Background(), start)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, h.orch.Process(context.Background(), claimed))
	run, _ := h.repo.GetRun(context.Background(), "run-claimed")
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 80, *run.OverallScore)
	tests, _ := h.repo.ListTestOutcomes(context.Background(), "run-claimed")
	assert.Len(t, tests, 2, "only selected categories run")
}

func TestConcurrentRunsUseDistinctPages(t *testing.T) {
	h := newHarness(t, nil, battery(map[domain.Category]int{domain.CategorySEO: 100})...)
	h.browser.Factory = func() *portstest.Page { return &portstest.Page{} }

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Analyze(context.Background(), Request{ID: string(rune('a' + i)), Target: "https://a.gob"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pages := h.browser.Pages()
	require.Len(t, pages, 4)
	for _, p := range pages {
		assert.Equal(t, 1, p.Closes())
	}
}
