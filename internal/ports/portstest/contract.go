package portstest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// Store is everything a storage adapter provides.
type Store interface {
	ports.RunRepository
	ports.RunQueue
	ports.ProfileRepository
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// StoreContract runs the storage contract against stores returned by open. Every
// subtest gets a fresh, empty store.
func StoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	newRun := func(id string, status domain.RunStatus, created time.Time) domain.Run {
		return domain.Run{
			ID:         id,
			Target:     "https://www." + id + ".gob.ar/",
			Domain:     id + ".gob.ar",
			Categories: []domain.Category{domain.CategorySEO, domain.CategoryAccessibility},
			Status:     status,
			StartTime:  created,
			CreatedAt:  created,
		}
	}
	completed := func(id string, score int, end time.Time) domain.Finalization {
		tier := domain.TierFor(score)
		return domain.Finalization{
			RunID: id, Status: domain.RunCompleted, OverallScore: &score, ComplianceLevel: &tier,
			CategoryScores: map[domain.Category]int{domain.CategorySEO: score},
			EndTime:        end, Duration: int(end.Sub(epoch).Seconds()),
		}
	}

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		run := newRun("a", domain.RunPending, epoch)
		require.NoError(t, s.CreateRun(ctx, run))
		assert.ErrorIs(t, s.CreateRun(ctx, run), ports.ErrAlreadyExists)

		got, err := s.GetRun(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, run.Target, got.Target)
		assert.Equal(t, run.Domain, got.Domain)
		assert.Equal(t, run.Categories, got.Categories)
		assert.Equal(t, domain.RunPending, got.Status)
		assert.True(t, epoch.Equal(got.StartTime))
		assert.Nil(t, got.EndTime)
		assert.Nil(t, got.Duration)
		assert.Nil(t, got.OverallScore)
		assert.Nil(t, got.ComplianceLevel)

		_, err = s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})

	t.Run("finalize once", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("a", domain.RunInProgress, epoch)))
		end := epoch.Add(42 * time.Second)
		require.NoError(t, s.Finalize(ctx, completed("a", 88, end)))

		failed := domain.Finalization{RunID: "a", Status: domain.RunFailed, Error: "late", EndTime: end, Duration: 42}
		assert.ErrorIs(t, s.Finalize(ctx, failed), ports.ErrAlreadyFinalized)
		assert.ErrorIs(t, s.Finalize(ctx, domain.Finalization{RunID: "missing", Status: domain.RunFailed, EndTime: end}), ports.ErrNotFound)

		got, err := s.GetRun(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.RunCompleted, got.Status)
		require.NotNil(t, got.OverallScore)
		assert.Equal(t, 88, *got.OverallScore)
		assert.Equal(t, domain.TierCompliant, *got.ComplianceLevel)
		assert.Equal(t, map[domain.Category]int{domain.CategorySEO: 88}, got.CategoryScores)
		require.NotNil(t, got.EndTime)
		assert.True(t, end.Equal(*got.EndTime))
		assert.Equal(t, 42, *got.Duration)
		assert.Empty(t, got.Error)
	})

	t.Run("failed run keeps reason", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("a", domain.RunInProgress, epoch)))
		require.NoError(t, s.Finalize(ctx, domain.Finalization{RunID: "a", Status: domain.RunFailed, Error: "HTTP 404", EndTime: epoch, Duration: 0}))
		got, err := s.GetRun(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.RunFailed, got.Status)
		assert.Equal(t, "HTTP 404", got.Error)
		assert.Nil(t, got.OverallScore)
		assert.Equal(t, 0, *got.Duration)
	})

	t.Run("outcomes and violations", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("a", domain.RunInProgress, epoch)))
		require.NoError(t, s.RecordTestOutcomes(ctx, "a", []domain.TestOutcome{
			{RunID: "a", Category: domain.CategorySEO, Name: "title", Status: domain.TestPassed, Score: 100, Message: "ok", CreatedAt: epoch},
			{RunID: "a", Category: domain.CategorySEO, Name: "canonical", Status: domain.TestWarning, Score: 60,
				Details: map[string]any{"href": "https://a.gob.ar/", "count": float64(2)}, CreatedAt: epoch},
		}))
		require.NoError(t, s.RecordViolations(ctx, "a", []domain.Violation{
			{RunID: "a", RuleID: "image-alt", Severity: domain.SeveritySerious, Description: "alt", Target: "img", HTML: "<img>", CreatedAt: epoch},
		}))

		tests, err := s.ListTestOutcomes(ctx, "a")
		require.NoError(t, err)
		require.Len(t, tests, 2)
		assert.Equal(t, "title", tests[0].Name)
		assert.NotZero(t, tests[0].ID)
		assert.Nil(t, tests[0].Details)
		assert.Equal(t, map[string]any{"href": "https://a.gob.ar/", "count": float64(2)}, tests[1].Details)
		assert.Equal(t, domain.TestWarning, tests[1].Status)

		vs, err := s.ListViolations(ctx, "a")
		require.NoError(t, err)
		require.Len(t, vs, 1)
		assert.Equal(t, domain.SeveritySerious, vs[0].Severity)
		assert.Equal(t, "<img>", vs[0].HTML)

		err = s.RecordTestOutcomes(ctx, "missing", []domain.TestOutcome{{Category: domain.CategorySEO, Name: "x", Status: domain.TestPassed, CreatedAt: epoch}})
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})

	t.Run("terminal runs reject appends", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("a", domain.RunInProgress, epoch)))
		require.NoError(t, s.RecordTestOutcomes(ctx, "a", []domain.TestOutcome{{Category: domain.CategorySEO, Name: "title", Status: domain.TestPassed, CreatedAt: epoch}}))
		require.NoError(t, s.Finalize(ctx, completed("a", 80, epoch.Add(time.Minute))))

		err := s.RecordTestOutcomes(ctx, "a", []domain.TestOutcome{{Category: domain.CategorySystem, Name: "analysis", Status: domain.TestFailed, CreatedAt: epoch}})
		assert.ErrorIs(t, err, ports.ErrAlreadyFinalized)
		err = s.RecordViolations(ctx, "a", []domain.Violation{{RuleID: "image-alt", Severity: domain.SeveritySerious, CreatedAt: epoch}})
		assert.ErrorIs(t, err, ports.ErrAlreadyFinalized)

		tests, err := s.ListTestOutcomes(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, tests, 1)
		vs, err := s.ListViolations(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("list filters", func(t *testing.T) {
		s := open(t)
		for i, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.CreateRun(ctx, newRun(id, domain.RunInProgress, epoch.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, s.Finalize(ctx, completed("b", 90, epoch.Add(time.Hour))))

		all, err := s.ListRuns(ctx, ports.RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "d", all[0].ID, "newest first")

		page, err := s.ListRuns(ctx, ports.RunFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "c", page[0].ID)

		done, err := s.ListRuns(ctx, ports.RunFilter{Status: domain.RunCompleted})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, "b", done[0].ID)

		byDomain, err := s.ListRuns(ctx, ports.RunFilter{Domain: "c.gob.ar"})
		require.NoError(t, err)
		require.Len(t, byDomain, 1)
		assert.Equal(t, "c", byDomain[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("a", domain.RunInProgress, epoch)))
		require.NoError(t, s.RecordTestOutcomes(ctx, "a", []domain.TestOutcome{{Category: domain.CategorySEO, Name: "t", Status: domain.TestPassed, CreatedAt: epoch}}))
		assert.ErrorIs(t, s.DeleteRun(ctx, "a"), ports.ErrRunActive)

		require.NoError(t, s.Finalize(ctx, completed("a", 70, epoch.Add(time.Second))))
		require.NoError(t, s.DeleteRun(ctx, "a"))
		_, err := s.GetRun(ctx, "a")
		assert.ErrorIs(t, err, ports.ErrNotFound)
		tests, err := s.ListTestOutcomes(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, tests, "outcomes cascade with the run")
		assert.ErrorIs(t, s.DeleteRun(ctx, "a"), ports.ErrNotFound)
	})

	t.Run("claim oldest pending", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("new", domain.RunPending, epoch.Add(time.Minute))))
		require.NoError(t, s.CreateRun(ctx, newRun("old", domain.RunPending, epoch)))
		require.NoError(t, s.CreateRun(ctx, newRun("busy", domain.RunInProgress, epoch.Add(-time.Minute))))

		started := epoch.Add(time.Hour)
		run, found, err := s.ClaimNext(ctx, started)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "old", run.ID)
		assert.Equal(t, domain.RunInProgress, run.Status)
		assert.True(t, started.Equal(run.StartTime))

		run, found, err = s.ClaimNext(ctx, started)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "new", run.ID)

		_, found, err = s.ClaimNext(ctx, started)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("mark in progress", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("a", domain.RunPending, epoch)))
		run, err := s.MarkInProgress(ctx, "a", epoch.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, domain.RunInProgress, run.Status)

		_, err = s.MarkInProgress(ctx, "a", epoch)
		assert.ErrorIs(t, err, ports.ErrNotPending)
		_, err = s.MarkInProgress(ctx, "missing", epoch)
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})

	t.Run("fail abandoned", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRun(ctx, newRun("stuck", domain.RunInProgress, epoch)))
		require.NoError(t, s.CreateRun(ctx, newRun("queued", domain.RunPending, epoch)))
		require.NoError(t, s.CreateRun(ctx, newRun("skewed", domain.RunInProgress, epoch.Add(time.Hour))))

		n, err := s.FailAbandoned(ctx, "analysis interrupted", epoch.Add(90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		stuck, err := s.GetRun(ctx, "stuck")
		require.NoError(t, err)
		assert.Equal(t, domain.RunFailed, stuck.Status)
		assert.Equal(t, "analysis interrupted", stuck.Error)
		assert.Equal(t, 90, *stuck.Duration)
		tests, err := s.ListTestOutcomes(ctx, "stuck")
		require.NoError(t, err)
		require.Len(t, tests, 1)
		assert.Equal(t, domain.CategorySystem, tests[0].Category)

		skewed, _ := s.GetRun(ctx, "skewed")
		assert.Equal(t, 0, *skewed.Duration, "negative durations clamp to zero")
		queued, _ := s.GetRun(ctx, "queued")
		assert.Equal(t, domain.RunPending, queued.Status)
	})

	t.Run("latest completed by domain", func(t *testing.T) {
		s := open(t)
		_, found, err := s.LatestCompletedByDomain(ctx, "a.gob.ar")
		require.NoError(t, err)
		assert.False(t, found)

		first := newRun("a", domain.RunInProgress, epoch)
		second := newRun("a", domain.RunInProgress, epoch.Add(time.Minute))
		second.ID = "a2"
		third := newRun("a", domain.RunInProgress, epoch.Add(2*time.Minute))
		third.ID = "a3"
		for _, r := range []domain.Run{first, second, third} {
			require.NoError(t, s.CreateRun(ctx, r))
		}
		require.NoError(t, s.Finalize(ctx, completed("a", 60, epoch.Add(time.Hour))))
		require.NoError(t, s.Finalize(ctx, completed("a2", 95, epoch.Add(2*time.Hour))))

		latest, found, err := s.LatestCompletedByDomain(ctx, "a.gob.ar")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "a2", latest.ID)
		assert.Equal(t, 95, *latest.OverallScore)
	})
}
