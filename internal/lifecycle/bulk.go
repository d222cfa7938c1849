package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"courseops/internal/types"
)

// Defaults for bulk fan-out. The worker limit bounds load on the
// version-control host regardless of batch size; the timeout caps how long a
// batch may run before still-incomplete items are reported as failures.
const (
	DefaultBulkWorkers = 10
	DefaultBulkTimeout = 30 * time.Minute
)

// Aggregate notification summaries sent to instructors after a batch.
const (
	notifyOperationSucceeded = "%s completed for all participations"
	notifyOperationFailed    = "%s failed for %d participations"
)

// BatchResult is the aggregate outcome of one bulk operation.
type BatchResult struct {
	Succeeded            int
	FailedParticipations []int64
}

// Failed returns the number of failed items.
func (r BatchResult) Failed() int {
	return len(r.FailedParticipations)
}

// ParticipationPredicate decides whether an action applies to a
// participation.
type ParticipationPredicate func(p *types.Participation) bool

// ParticipationAction is a side-effecting operation against one
// participation. A returned error marks only that participation as failed.
type ParticipationAction func(ctx context.Context, ex *types.Exercise, p *types.Participation) error

// Coordinator executes an action against every participation of an exercise
// that satisfies a predicate, with bounded concurrency, collecting per-item
// failures without aborting the batch.
type Coordinator struct {
	exercises      ExerciseStore
	participations ParticipationStore
	notifier       InstructorNotifier
	metrics        Metrics
	workers        int
	timeout        time.Duration
	logger         *slog.Logger
}

// CoordinatorConfig holds the dependencies and tunables for a Coordinator.
type CoordinatorConfig struct {
	Exercises      ExerciseStore
	Participations ParticipationStore
	Notifier       InstructorNotifier
	Metrics        Metrics
	Workers        int
	Timeout        time.Duration
	Logger         *slog.Logger
}

// NewCoordinator creates a Coordinator with the given configuration.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultBulkWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBulkTimeout
	}
	return &Coordinator{
		exercises:      cfg.Exercises,
		participations: cfg.Participations,
		notifier:       cfg.Notifier,
		metrics:        cfg.Metrics,
		workers:        workers,
		timeout:        timeout,
		logger:         logger,
	}
}

// RunOnParticipations fetches the current participation set of the exercise
// and applies action to every participation for which predicate holds, on a
// bounded worker pool. A failing action for one participation never cancels
// or skips the others. On completion exactly one aggregate notification is
// sent to the instructors.
//
// The participation set is always fetched fresh from storage; minutes or
// hours may have passed since the batch was scheduled and the authoritative
// state may have changed. Every worker establishes the system actor on its
// own context instead of inheriting the caller's identity.
func (c *Coordinator) RunOnParticipations(ctx context.Context, exerciseID int64, operation string,
	predicate ParticipationPredicate, action ParticipationAction) (BatchResult, error) {

	exercise, err := c.exercises.FindExercise(ctx, exerciseID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetching exercise %d for %s: %w", exerciseID, operation, err)
	}
	if exercise == nil {
		// Deleted after scheduling; a no-op, not an escalation.
		c.logger.Warn("exercise no longer exists, skipping bulk operation",
			"exercise_id", exerciseID,
			"operation", operation,
		)
		return BatchResult{}, nil
	}

	participations, err := c.participations.FindParticipations(ctx, exerciseID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetching participations of exercise %d for %s: %w", exerciseID, operation, err)
	}

	c.logger.Info("starting bulk operation",
		"operation", operation,
		"exercise_id", exerciseID,
		"participations", len(participations),
	)

	batchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var mu sync.Mutex
	result := BatchResult{}

	g, gCtx := errgroup.WithContext(batchCtx)
	g.SetLimit(c.workers)

	for _, p := range participations {
		if !predicate(p) {
			continue
		}
		g.Go(func() error {
			// Workers re-establish authorization independently.
			itemCtx := types.WithSystemActor(gCtx)

			if err := action(itemCtx, exercise, p); err != nil {
				c.logger.Error("bulk operation failed for participation",
					"operation", operation,
					"exercise_id", exerciseID,
					"participation_id", p.ID,
					"error", err,
				)
				mu.Lock()
				result.FailedParticipations = append(result.FailedParticipations, p.ID)
				mu.Unlock()
				// Do not propagate; sibling items must proceed.
				return nil
			}

			mu.Lock()
			result.Succeeded++
			mu.Unlock()
			return nil
		})
	}

	// Wait returns nil because item errors are swallowed above; a non-nil
	// error here would only come from a future change to the group usage.
	if err := g.Wait(); err != nil {
		c.logger.Error("bulk operation group error", "operation", operation, "error", err)
	}

	c.logger.Info("bulk operation finished",
		"operation", operation,
		"exercise_id", exerciseID,
		"succeeded", result.Succeeded,
		"failed", result.Failed(),
	)

	if c.metrics != nil {
		c.metrics.RecordBatchResult(operation, result.Succeeded, result.Failed())
	}
	c.notifyAggregate(ctx, exercise, operation, result)

	return result, nil
}

// notifyAggregate sends the single success-or-failure-count summary for the
// batch. Notification failures are logged, never propagated.
func (c *Coordinator) notifyAggregate(ctx context.Context, exercise *types.Exercise, operation string, result BatchResult) {
	if c.notifier == nil {
		return
	}
	var summary string
	if result.Failed() > 0 {
		summary = fmt.Sprintf(notifyOperationFailed, operation, result.Failed())
	} else {
		summary = fmt.Sprintf(notifyOperationSucceeded, operation)
	}
	if err := c.notifier.NotifyInstructors(types.WithSystemActor(ctx), exercise, summary); err != nil {
		c.logger.Error("failed to send aggregate notification",
			"operation", operation,
			"exercise_id", exercise.ID,
			"error", err,
		)
	}
}
