// Package progress routes live progress updates of running analyses to
// registered sinks.
//
// The Bus is the only cross-run shared state of the engine. Each registered
// sink gets its own mailbox goroutine, so Publish never blocks on delivery and
// events for one run reach its sink in publish order. Run state is evicted when
// a terminal update is published; the sink still receives that final event.
package progress

import (
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// DefaultTotalTests is the step count used when an update does not carry one.
const DefaultTotalTests = 6

// Update is a partial progress event. Zero fields take the template defaults:
// status in_progress, progress 0, no current test, 0 completed, DefaultTotalTests total.
type Update struct {
	Status         domain.RunStatus
	Progress       int
	CurrentTest    string
	CompletedTests int
	TotalTests     int
	Error          string
}

// SinkFunc adapts a function to ports.ProgressSink.
type SinkFunc func(ev domain.ProgressEvent) error

func (f SinkFunc) Send(ev domain.ProgressEvent) error { return f(ev) }

type runState struct {
	last int
	sub  *mailbox
}

type Bus struct {
	mu    sync.Mutex
	runs  map[string]*runState
	clock clockwork.Clock
	log   *slog.Logger
}

func NewBus(clock clockwork.Clock, log *slog.Logger) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{runs: map[string]*runState{}, clock: clock, log: log}
}

// Register attaches sink to runID, replacing (and stopping) any previous sink.
func (b *Bus) Register(runID string, sink ports.ProgressSink) {
	mb := newMailbox(runID, sink, b.log)
	b.mu.Lock()
	st, ok := b.runs[runID]
	if !ok {
		st = &runState{}
		b.runs[runID] = st
	}
	prev := st.sub
	st.sub = mb
	b.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
}

// Unregister detaches the sink for runID. Events not yet delivered are dropped.
func (b *Bus) Unregister(runID string) {
	b.mu.Lock()
	st, ok := b.runs[runID]
	var prev *mailbox
	if ok {
		prev = st.sub
		st.sub = nil
		if st.last == 0 {
			delete(b.runs, runID)
		}
	}
	b.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
}

// Registered reports whether a sink is attached to runID.
func (b *Bus) Registered(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.runs[runID]
	return ok && st.sub != nil
}

// Publish merges u over the template and hands it to the run's sink, if any.
// Progress never decreases within a run. Publishing with no sink is a no-op.
func (b *Bus) Publish(runID string, u Update) domain.ProgressEvent {
	ev := domain.ProgressEvent{
		RunID:          runID,
		Status:         u.Status,
		Progress:       domain.ClampScore(u.Progress),
		CurrentTest:    u.CurrentTest,
		CompletedTests: u.CompletedTests,
		TotalTests:     u.TotalTests,
		Error:          u.Error,
		Timestamp:      b.clock.Now().UTC(),
	}
	if ev.Status == "" {
		ev.Status = domain.RunInProgress
	}
	if ev.TotalTests == 0 {
		ev.TotalTests = DefaultTotalTests
	}

	b.mu.Lock()
	st, ok := b.runs[runID]
	if !ok {
		st = &runState{}
		b.runs[runID] = st
	}
	if ev.Progress < st.last {
		ev.Progress = st.last
	}
	st.last = ev.Progress
	sub := st.sub
	if ev.Status.Terminal() {
		delete(b.runs, runID)
	}
	b.mu.Unlock()

	if sub != nil {
		sub.push(ev)
		if ev.Status.Terminal() {
			sub.drainAndStop()
		}
	}
	return ev
}

// Tracked returns the number of runs with live state; used to check eviction.
func (b *Bus) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

type mailbox struct {
	runID string
	sink  ports.ProgressSink
	log   *slog.Logger

	mu       sync.Mutex
	queue    []domain.ProgressEvent
	draining bool
	stopped  bool
	wake     chan struct{}
	done     chan struct{}
}

func newMailbox(runID string, sink ports.ProgressSink, log *slog.Logger) *mailbox {
	mb := &mailbox{
		runID: runID,
		sink:  sink,
		log:   log,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go mb.loop()
	return mb
}

func (mb *mailbox) push(ev domain.ProgressEvent) {
	mb.mu.Lock()
	if mb.stopped || mb.draining {
		mb.mu.Unlock()
		return
	}
	mb.queue = append(mb.queue, ev)
	mb.mu.Unlock()
	mb.signal()
}

// drainAndStop delivers what is queued, then exits.
func (mb *mailbox) drainAndStop() {
	mb.mu.Lock()
	mb.draining = true
	mb.mu.Unlock()
	mb.signal()
}

// stop exits without delivering queued events.
func (mb *mailbox) stop() {
	mb.mu.Lock()
	mb.stopped = true
	mb.queue = nil
	mb.mu.Unlock()
	mb.signal()
}

func (mb *mailbox) signal() {
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) loop() {
	defer close(mb.done)
	for range mb.wake {
		for {
			mb.mu.Lock()
			if mb.stopped {
				mb.mu.Unlock()
				return
			}
			if len(mb.queue) == 0 {
				draining := mb.draining
				mb.mu.Unlock()
				if draining {
					return
				}
				break
			}
			ev := mb.queue[0]
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()

			if err := mb.sink.Send(ev); err != nil {
				mb.log.Debug("progress delivery failed", "run_id", mb.runID, "err", err)
			}
		}
	}
}
