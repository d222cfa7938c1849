package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"courseops/internal/types"
)

// ExerciseKey identifies the set of scheduled tasks for one lifecycle of one
// exercise.
type ExerciseKey struct {
	ExerciseID int64
	Lifecycle  types.ExerciseLifecycle
}

// ParticipationKey identifies the scheduled tasks for one lifecycle of one
// participation.
type ParticipationKey struct {
	ExerciseID      int64
	ParticipationID int64
	Lifecycle       types.ParticipationLifecycle
}

// TimedTask pairs a callback with the moment it should fire. Used when one
// logical lifecycle needs several independent timers, e.g. one per distinct
// individual due date.
type TimedTask struct {
	At  time.Time
	Run Task
}

// Registry is the keyed store of outstanding task handles. It owns the
// cancel-before-replace invariant: every schedule call for a key first
// cancels whatever was registered under that key, so no stale timer can fire
// after a reschedule. It is the only shared mutable state in the scheduler
// and is safe for concurrent use.
type Registry struct {
	engine *Engine
	logger *slog.Logger

	mu                 sync.Mutex
	exerciseTasks      map[ExerciseKey][]*TaskHandle
	participationTasks map[ParticipationKey][]*TaskHandle
}

// NewRegistry creates an empty registry backed by the given engine.
func NewRegistry(engine *Engine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engine:             engine,
		logger:             logger,
		exerciseTasks:      make(map[ExerciseKey][]*TaskHandle),
		participationTasks: make(map[ParticipationKey][]*TaskHandle),
	}
}

// ScheduleExerciseTask cancels any tasks registered under the key and
// installs a single new timer at the given time. Cancel-old and install-new
// happen under one critical section, so two concurrent reschedules of the
// same key cannot leave duplicate live timers.
func (r *Registry) ScheduleExerciseTask(exerciseID int64, lifecycle types.ExerciseLifecycle, at time.Time, fn Task) {
	r.ScheduleExerciseTasks(exerciseID, lifecycle, []TimedTask{{At: at, Run: fn}})
}

// ScheduleExerciseTasks cancels any tasks registered under the key and
// installs one timer per entry. Used for grouped individual due dates where
// one lifecycle fans out to several distinct timestamps.
func (r *Registry) ScheduleExerciseTasks(exerciseID int64, lifecycle types.ExerciseLifecycle, tasks []TimedTask) {
	key := ExerciseKey{ExerciseID: exerciseID, Lifecycle: lifecycle}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.exerciseTasks[key] {
		h.Cancel()
	}

	handles := make([]*TaskHandle, 0, len(tasks))
	for _, t := range tasks {
		handles = append(handles, r.engine.Schedule(t.At, t.Run))
	}
	r.exerciseTasks[key] = handles

	r.logger.Debug("scheduled exercise lifecycle tasks",
		"exercise_id", exerciseID,
		"lifecycle", string(lifecycle),
		"count", len(tasks),
	)
}

// ScheduleParticipationTask cancels any tasks registered for the
// participation key and installs a new timer.
func (r *Registry) ScheduleParticipationTask(exerciseID, participationID int64, lifecycle types.ParticipationLifecycle, at time.Time, fn Task) {
	key := ParticipationKey{ExerciseID: exerciseID, ParticipationID: participationID, Lifecycle: lifecycle}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.participationTasks[key] {
		h.Cancel()
	}
	r.participationTasks[key] = []*TaskHandle{r.engine.Schedule(at, fn)}

	r.logger.Debug("scheduled participation lifecycle task",
		"exercise_id", exerciseID,
		"participation_id", participationID,
		"lifecycle", string(lifecycle),
		"at", at.Format(time.RFC3339),
	)
}

// ScheduleParticipationGroupTask installs one shared timer for a group of
// participations whose effective due dates fall on the same instant. The
// single handle is registered under every member's key after cancelling each
// member's previous tasks, so N participations sharing a timestamp cost one
// timer rather than N. The callback must re-validate group membership at fire
// time; callers that cancel a single member's key are expected to re-run the
// grouping for the exercise in the same pass.
func (r *Registry) ScheduleParticipationGroupTask(exerciseID int64, participationIDs []int64, lifecycle types.ParticipationLifecycle, at time.Time, fn Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pID := range participationIDs {
		key := ParticipationKey{ExerciseID: exerciseID, ParticipationID: pID, Lifecycle: lifecycle}
		for _, h := range r.participationTasks[key] {
			h.Cancel()
		}
	}

	handle := r.engine.Schedule(at, fn)
	for _, pID := range participationIDs {
		key := ParticipationKey{ExerciseID: exerciseID, ParticipationID: pID, Lifecycle: lifecycle}
		r.participationTasks[key] = []*TaskHandle{handle}
	}

	r.logger.Debug("scheduled grouped participation lifecycle task",
		"exercise_id", exerciseID,
		"lifecycle", string(lifecycle),
		"at", at.Format(time.RFC3339),
		"participations", len(participationIDs),
	)
}

// Cancel cancels the exercise-level tasks for the key and, for lifecycles
// that participations can override, recursively cancels every
// participation-level task of the matching sub-lifecycle for that exercise.
// The cascade is enforced here, not by caller discipline.
func (r *Registry) Cancel(exerciseID int64, lifecycle types.ExerciseLifecycle) {
	key := ExerciseKey{ExerciseID: exerciseID, Lifecycle: lifecycle}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.exerciseTasks[key] {
		h.Cancel()
	}
	delete(r.exerciseTasks, key)

	if sub, ok := types.ParticipationLifecycleFor(lifecycle); ok {
		for pKey, handles := range r.participationTasks {
			if pKey.ExerciseID == exerciseID && pKey.Lifecycle == sub {
				for _, h := range handles {
					h.Cancel()
				}
				delete(r.participationTasks, pKey)
			}
		}
	}
}

// CancelAll cancels every lifecycle of the exercise, including all
// participation-level tasks. Used when an exercise is deleted or no longer
// needs scheduling.
func (r *Registry) CancelAll(exerciseID int64) {
	for _, lifecycle := range []types.ExerciseLifecycle{
		types.LifecycleRelease,
		types.LifecycleDue,
		types.LifecycleBuildAndTestAfterDue,
		types.LifecycleAssessmentDue,
	} {
		r.Cancel(exerciseID, lifecycle)
	}
}

// CancelParticipation cancels the tasks for one participation lifecycle.
func (r *Registry) CancelParticipation(exerciseID, participationID int64, lifecycle types.ParticipationLifecycle) {
	key := ParticipationKey{ExerciseID: exerciseID, ParticipationID: participationID, Lifecycle: lifecycle}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.participationTasks[key] {
		h.Cancel()
	}
	delete(r.participationTasks, key)
}

// CancelAllParticipationLifecycles cancels every participation-level task for
// one participation. Used when an individual due date is removed and the
// participation folds back under the exercise-level timers.
func (r *Registry) CancelAllParticipationLifecycles(exerciseID, participationID int64) {
	r.CancelParticipation(exerciseID, participationID, types.ParticipationLifecycleDue)
	r.CancelParticipation(exerciseID, participationID, types.ParticipationLifecycleBuildAndTestAfterDue)
}

// ClearAll cancels everything. For shutdown and test use only.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, handles := range r.exerciseTasks {
		for _, h := range handles {
			h.Cancel()
		}
		delete(r.exerciseTasks, key)
	}
	for key, handles := range r.participationTasks {
		for _, h := range handles {
			h.Cancel()
		}
		delete(r.participationTasks, key)
	}
}

// LiveExerciseHandles returns the number of non-cancelled handles registered
// under the key. Exposed for the ops API and tests.
func (r *Registry) LiveExerciseHandles(exerciseID int64, lifecycle types.ExerciseLifecycle) int {
	key := ExerciseKey{ExerciseID: exerciseID, Lifecycle: lifecycle}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, h := range r.exerciseTasks[key] {
		if !h.Cancelled() {
			n++
		}
	}
	return n
}

// LiveParticipationHandles returns the number of non-cancelled handles for
// the participation key.
func (r *Registry) LiveParticipationHandles(exerciseID, participationID int64, lifecycle types.ParticipationLifecycle) int {
	key := ParticipationKey{ExerciseID: exerciseID, ParticipationID: participationID, Lifecycle: lifecycle}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, h := range r.participationTasks[key] {
		if !h.Cancelled() {
			n++
		}
	}
	return n
}
