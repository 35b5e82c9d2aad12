package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"toeic-pipeline/internal/domain"
	"toeic-pipeline/internal/logs"
)

// ErrRunConflict is returned when starting a run while one is active.
// Starts are rejected, never queued.
var ErrRunConflict = errors.New("pipeline already running")

// ErrNoActiveRun is returned when stop is requested in idle state.
var ErrNoActiveRun = errors.New("no active pipeline running")

// ErrInvalidPart is returned for a part other than 1 or 2.
var ErrInvalidPart = errors.New("part must be 1 or 2")

// JobFunc is one run's pipeline body. A nil return means the run
// completed; context.Canceled means it observed a user stop.
type JobFunc func(ctx context.Context, run domain.PipelineRun) error

// Controller enforces the single-active-run invariant and owns every run
// state transition. The durable store is consulted and written under the
// same lock the job uses for its terminal status, so a finishing job and
// a new start cannot race.
type Controller struct {
	mu       sync.Mutex
	store    Store
	logs     *logs.Broadcaster
	log      zerolog.Logger
	job      JobFunc
	snapshot Snapshot
	cancel   context.CancelFunc
}

// NewController loads persisted run state and recovers orphaned runs: a
// stale "running" marker with no live job is finalized as an error, never
// silently resumed.
func NewController(store Store, broadcaster *logs.Broadcaster, logger zerolog.Logger, job JobFunc) (*Controller, error) {
	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}

	if snap.Current.Status == domain.RunStatusRunning {
		now := time.Now().UTC()
		snap.Current.Status = domain.RunStatusError
		snap.Current.CompletedAt = &now
		snap.LastCompleted = completedFrom(snap.Current)
		if err := store.Save(snap); err != nil {
			return nil, fmt.Errorf("recover orphaned run: %w", err)
		}
		logger.Warn().
			Str("run_id", snap.Current.ID).
			Str("test_id", snap.Current.TestID).
			Msg("recovered orphaned run marker as error")
	}

	return &Controller{
		store:    store,
		logs:     broadcaster,
		log:      logger,
		job:      job,
		snapshot: snap,
	}, nil
}

// Start validates that no run is active, records the new run durably, and
// spawns the job as a cancellable background task. It returns immediately.
func (c *Controller) Start(part int, testID string, cfg domain.RunConfig) (domain.PipelineRun, error) {
	if part != 1 && part != 2 {
		return domain.PipelineRun{}, fmt.Errorf("%w, got %d", ErrInvalidPart, part)
	}

	c.mu.Lock()
	if c.snapshot.Current.Status == domain.RunStatusRunning {
		c.mu.Unlock()
		return domain.PipelineRun{}, ErrRunConflict
	}

	now := time.Now().UTC()
	run := domain.PipelineRun{
		ID:        uuid.NewString(),
		TestID:    testID,
		Part:      part,
		Status:    domain.RunStatusRunning,
		StartedAt: &now,
		Config:    cfg,
	}
	prev := c.snapshot.Current
	c.snapshot.Current = run
	if err := c.store.Save(c.snapshot); err != nil {
		c.snapshot.Current = prev
		c.mu.Unlock()
		return domain.PipelineRun{}, fmt.Errorf("persist run marker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info().Str("run_id", run.ID).Str("test_id", testID).Int("part", part).Msg("run started")
	c.logs.Publish(fmt.Sprintf("[*] Initializing Part %d worker (run %s)", part, run.ID))

	go c.execute(ctx, run)
	return run, nil
}

// Stop signals cooperative cancellation to the active job and finalizes
// the run as stopped. An in-flight provider call is left to finish or
// time out on its own.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.snapshot.Current.Status != domain.RunStatusRunning {
		c.mu.Unlock()
		return ErrNoActiveRun
	}
	runID := c.snapshot.Current.ID
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.finalize(runID, domain.RunStatusStopped)

	// The job may finish on its own between the running check above and
	// finalize; only a run that actually ended as stopped gets the marker.
	c.mu.Lock()
	stopped := c.snapshot.Current.ID == runID && c.snapshot.Current.Status == domain.RunStatusStopped
	c.mu.Unlock()
	if stopped {
		c.logs.Publish("[!] Pipeline stopped by user.")
	}
	return nil
}

// Status returns a copy of the current run state and last-completed
// snapshot. It never blocks on a running job.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Running reports whether a run is currently active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Current.Status == domain.RunStatusRunning
}

// ClearCompleted resets the last-completed snapshot fields to null without
// touching an in-progress run. Idempotent.
func (c *Controller) ClearCompleted() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot.LastCompleted = domain.CompletedSnapshot{}
	if err := c.store.Save(c.snapshot); err != nil {
		return fmt.Errorf("persist cleared snapshot: %w", err)
	}
	return nil
}

// execute runs the job body and maps its structured outcome to a terminal
// status, emitting the textual markers observers key off.
func (c *Controller) execute(ctx context.Context, run domain.PipelineRun) {
	err := c.job(ctx, run)
	switch {
	case err == nil:
		c.logs.Publish("[*] Batch process ended")
		c.finalize(run.ID, domain.RunStatusCompleted)
	case errors.Is(err, context.Canceled):
		// Stop() owns the marker; this finalize only matters if the job
		// returned before Stop() got to it.
		c.finalize(run.ID, domain.RunStatusStopped)
	default:
		c.logs.Publish(fmt.Sprintf("[!] Critical error: %v", err))
		c.finalize(run.ID, domain.RunStatusError)
	}
}

// finalize writes the terminal status exactly once per run: it no-ops when
// the identified run is no longer the active one.
func (c *Controller) finalize(runID string, status domain.RunStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := &c.snapshot.Current
	if cur.ID != runID || cur.Status != domain.RunStatusRunning {
		return
	}

	now := time.Now().UTC()
	cur.Status = status
	cur.CompletedAt = &now
	c.snapshot.LastCompleted = completedFrom(*cur)
	c.cancel = nil

	if err := c.store.Save(c.snapshot); err != nil {
		c.log.Error().Err(err).Str("run_id", runID).Msg("persist terminal run state")
	}
	c.log.Info().Str("run_id", runID).Str("status", string(status)).Msg("run finished")
}

// completedFrom builds the UI-facing summary from a terminal run.
func completedFrom(run domain.PipelineRun) domain.CompletedSnapshot {
	testID := run.TestID
	part := run.Part
	status := run.Status
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	return domain.CompletedSnapshot{
		TestID:      &testID,
		Part:        &part,
		CompletedAt: &completedAt,
		Status:      &status,
	}
}
