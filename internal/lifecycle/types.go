package lifecycle

import (
	"context"
	"time"

	"courseops/internal/types"
)

// The scheduler depends on narrow interfaces for everything outside the
// subsystem: storage, the version-control host, the build system, grading,
// and notifications. Storage lookups return (nil, nil) when the entity does
// not exist; callers check explicitly instead of catching errors.

// ExerciseStore is the read-side exercise storage used by the scheduler.
type ExerciseStore interface {
	// FindExercise returns the current state of the exercise or (nil, nil)
	// if it no longer exists.
	FindExercise(ctx context.Context, id int64) (*types.Exercise, error)

	// FindAllNeedingScheduling returns exercises with any relevant date after
	// now, plus exercises that always need scheduling (non-automatic
	// assessment, complaints allowed).
	FindAllNeedingScheduling(ctx context.Context, now time.Time) ([]*types.Exercise, error)

	// FindExamExercisesEndingAfter returns exam exercises whose exam end date
	// lies after now.
	FindExamExercisesEndingAfter(ctx context.Context, now time.Time) ([]*types.Exercise, error)

	// CountTestCasesVisibleAfterDueDate counts test cases whose results only
	// become visible once the due date has passed. The scheduler treats the
	// count as an opaque boolean predicate owned by the grading domain.
	CountTestCasesVisibleAfterDueDate(ctx context.Context, exerciseID int64) (int, error)
}

// ParticipationStore is the participation storage used by the scheduler and
// the bulk coordinator.
type ParticipationStore interface {
	// FindParticipation returns the participation or (nil, nil) if missing.
	FindParticipation(ctx context.Context, id int64) (*types.Participation, error)

	// FindParticipations returns all participations of the exercise. Bulk
	// operations always fetch fresh through this method rather than trusting
	// a caller-supplied list.
	FindParticipations(ctx context.Context, exerciseID int64) ([]*types.Participation, error)

	// FindWithIndividualDueDates returns the participations of the exercise
	// that have an individual due date set.
	FindWithIndividualDueDates(ctx context.Context, exerciseID int64) ([]*types.Participation, error)

	// LatestIndividualDueDate returns the furthest individual due date among
	// the exercise's participations, or nil if none is set.
	LatestIndividualDueDate(ctx context.Context, exerciseID int64) (*time.Time, error)

	// SetLocked marks the participation record read-only (or writable again).
	SetLocked(ctx context.Context, participationID int64, locked bool) error
}

// ExamStore is the exam storage used when scheduling exam exercises.
type ExamStore interface {
	// FindExam returns the exam or (nil, nil) if missing.
	FindExam(ctx context.Context, id int64) (*types.Exam, error)

	// FindStudentExams returns all student exams of the exam.
	FindStudentExams(ctx context.Context, examID int64) ([]*types.StudentExam, error)

	// FindStudentExam returns the student exam or (nil, nil) if missing.
	FindStudentExam(ctx context.Context, id int64) (*types.StudentExam, error)

	// FindExerciseIDsByExam returns the ids of all exercises in the exam.
	FindExerciseIDsByExam(ctx context.Context, examID int64) ([]int64, error)

	// FindStudentExamForParticipation returns the student exam governing the
	// given participation's working time, or (nil, nil) if none exists.
	FindStudentExamForParticipation(ctx context.Context, examID int64, studentLogin string) (*types.StudentExam, error)
}

// RepositoryAccess is the black-box interface to the version-control host.
// Each operation may fail transiently or permanently; locking an
// already-locked repository reports success.
type RepositoryAccess interface {
	LockRepository(ctx context.Context, p *types.Participation) error
	UnlockRepository(ctx context.Context, p *types.Participation) error

	// StashChanges freezes unsubmitted online-editor changes so that only
	// committed work is visible during manual assessment.
	StashChanges(ctx context.Context, p *types.Participation) error
}

// BuildTrigger starts continuous-integration builds downstream.
type BuildTrigger interface {
	TriggerBuild(ctx context.Context, participationIDs []int64) error
	TriggerInstructorBuild(ctx context.Context, exerciseID int64) error
}

// GradingService recomputes scores so that results of test cases hidden
// until the due date become visible without a rebuild.
type GradingService interface {
	// RecomputeResults updates results for every participation of the
	// exercise without an individual due date.
	RecomputeResults(ctx context.Context, exerciseID int64) error

	// RecomputeParticipationResults updates results for one participation.
	RecomputeParticipationResults(ctx context.Context, participationID int64) error
}

// InstructorNotifier delivers one aggregate notification per batch operation.
type InstructorNotifier interface {
	NotifyInstructors(ctx context.Context, exercise *types.Exercise, summary string) error
}

// Metrics records operational telemetry. Implementations must be safe for
// concurrent use; a nil Metrics disables recording.
type Metrics interface {
	RecordBatchResult(operation string, succeeded, failed int)
	RecordScheduledExercises(count int)
}
