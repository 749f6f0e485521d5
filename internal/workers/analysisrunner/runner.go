package analysisrunner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// AbandonedReason is recorded on runs a previous process left in_progress.
const AbandonedReason = "analysis interrupted"

// Processor executes a claimed in_progress run through to its terminal state.
type Processor interface {
	Process(ctx context.Context, run domain.Run) error
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	// Wake triggers an immediate claim pass in addition to the poll ticker.
	Wake   <-chan struct{}
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Run claims pending analyses and processes up to Concurrency of them at once
// until ctx is done. A run is claimed only when a slot is free, so every claimed
// run reaches a processor. Run returns once in-flight runs have finished.
func Run(ctx context.Context, queue ports.RunQueue, processor Processor, opts Options) {
	if opts.Concurrency < 1 {
		return
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	slots := semaphore.NewWeighted(int64(opts.Concurrency))
	freed := make(chan struct{}, 1)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := opts.Clock.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-opts.Wake:
		case <-freed:
		}
		for ctx.Err() == nil && slots.TryAcquire(1) {
			run, found := claim(ctx, queue, opts.Clock, log)
			if !found {
				slots.Release(1)
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					slots.Release(1)
					select {
					case freed <- struct{}{}:
					default:
					}
				}()
				if err := processor.Process(ctx, run); err != nil {
					log.Warn("analysis failed", "run_id", run.ID, "err", err)
					return
				}
				log.Debug("analysis processed", "run_id", run.ID)
			}()
		}
	}
}

func claim(ctx context.Context, queue ports.RunQueue, clock clockwork.Clock, log *slog.Logger) (domain.Run, bool) {
	run, found, err := queue.ClaimNext(ctx, clock.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			log.Error("claim analysis", "err", err)
		}
		return domain.Run{}, false
	}
	return run, found
}

// Recover fails every run left in_progress by a previous process. Only safe
// while no other process is executing runs against the same store.
func Recover(ctx context.Context, queue ports.RunQueue, clock clockwork.Clock, log *slog.Logger) (int, error) {
	n, err := queue.FailAbandoned(ctx, AbandonedReason, clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn("abandoned analyses failed", "count", n)
	}
	return n, nil
}
