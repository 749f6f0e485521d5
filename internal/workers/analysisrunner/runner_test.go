package analysisrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcheck/internal/domain"
	"govcheck/internal/logging"
	"govcheck/internal/ports"
	"govcheck/internal/ports/portstest"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (p *recordingProcessor) Process(ctx context.Context, run domain.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, run.ID)
	if p.fail[run.ID] {
		return errors.New("boom")
	}
	return nil
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func pending(t *testing.T, repo *portstest.Repository, id string, at time.Time) {
	t.Helper()
	require.NoError(t, repo.CreateRun(context.Background(), domain.Run{
		ID: id, Target: "https://" + id + ".gob.ar", Domain: id + ".gob.ar",
		Status: domain.RunPending, StartTime: at, CreatedAt: at,
	}))
}

func TestRunProcessesPendingRunsOnWake(t *testing.T) {
	repo := portstest.NewRepository()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		pending(t, repo, id, base.Add(time.Duration(i)*time.Second))
	}
	proc := &recordingProcessor{fail: map[string]bool{"b": true}}
	wake := make(chan struct{}, 1)
	wake <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, repo, proc, Options{Concurrency: 2, PollInterval: time.Hour, Wake: wake, Logger: logging.Discard()})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(proc.processed()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, proc.processed())
	for _, id := range []string{"a", "b", "c"} {
		run, err := repo.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.RunInProgress, run.Status, id)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// blockingProcessor holds each run until ctx is done and then fails it, the way
// the orchestrator finalizes an interrupted run.
type blockingProcessor struct {
	repo    *portstest.Repository
	started chan string
}

func (p *blockingProcessor) Process(ctx context.Context, run domain.Run) error {
	p.started <- run.ID
	<-ctx.Done()
	return p.repo.Finalize(context.WithoutCancel(ctx), domain.Finalization{
		RunID: run.ID, Status: domain.RunFailed, Error: "cancelled", EndTime: time.Now().UTC(),
	})
}

func TestRunClaimsOnlyWhenASlotIsFree(t *testing.T) {
	repo := portstest.NewRepository()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pending(t, repo, "a", base)
	pending(t, repo, "b", base.Add(time.Second))
	proc := &blockingProcessor{repo: repo, started: make(chan string, 2)}
	wake := make(chan struct{}, 1)
	wake <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, repo, proc, Options{Concurrency: 1, PollInterval: 10 * time.Millisecond, Wake: wake, Logger: logging.Discard()})
		close(done)
	}()

	select {
	case id := <-proc.started:
		assert.Equal(t, "a", id)
	case <-time.After(time.Second):
		t.Fatal("first run was not processed")
	}
	time.Sleep(50 * time.Millisecond)
	b, err := repo.GetRun(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, b.Status, "no claim while the only slot is busy")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	a, err := repo.GetRun(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, a.Status)
	b, err = repo.GetRun(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, b.Status)

	runs, err := repo.ListRuns(context.Background(), ports.RunFilter{Limit: 10})
	require.NoError(t, err)
	for _, r := range runs {
		assert.NotEqual(t, domain.RunInProgress, r.Status, r.ID)
	}
}

func TestRunPollsOnTicker(t *testing.T) {
	repo := portstest.NewRepository()
	clock := clockwork.NewFakeClock()
	proc := &recordingProcessor{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, repo, proc, Options{Concurrency: 1, PollInterval: time.Second, Clock: clock, Logger: logging.Discard()})

	pending(t, repo, "late", clock.Now())
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return len(proc.processed()) == 1 }, time.Second, 5*time.Millisecond)
	run, err := repo.GetRun(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UTC(), run.StartTime)
}

func TestRunWithoutWorkersReturns(t *testing.T) {
	Run(context.Background(), portstest.NewRepository(), &recordingProcessor{}, Options{})
}

func TestRecover(t *testing.T) {
	repo := portstest.NewRepository()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	start := clock.Now().Add(-2 * time.Minute)
	pending(t, repo, "queued", start)
	require.NoError(t, repo.CreateRun(context.Background(), domain.Run{
		ID: "stuck", Target: "https://stuck.gob.ar", Domain: "stuck.gob.ar",
		Status: domain.RunInProgress, StartTime: start, CreatedAt: start,
	}))

	n, err := Recover(context.Background(), repo, clock, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := repo.GetRun(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, AbandonedReason, run.Error)
	assert.Equal(t, 120, *run.Duration)

	queued, err := repo.GetRun(context.Background(), "queued")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, queued.Status)
}
