package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"courseops/internal/types"
)

// ExerciseRepository provides data access for the exercises table and the
// grading-owned test_cases table.
type ExerciseRepository struct {
	db DBTX
}

// NewExerciseRepository creates a new ExerciseRepository backed by the given
// database connection (pool or transaction).
func NewExerciseRepository(db DBTX) *ExerciseRepository {
	return &ExerciseRepository{db: db}
}

// exerciseColumns defines the standard set of columns selected for exercise
// queries. Used consistently across all query methods to avoid column drift.
const exerciseColumns = `e.id, e.title, e.course_id, e.release_date, e.due_date,
	e.assessment_due_date, e.build_and_test_after_due, e.exam_id,
	e.assessment_type, e.allows_complaints, e.allows_online_editor`

// scanExercise scans a single exercise row. The columns must match the order
// defined in exerciseColumns.
func scanExercise(row pgx.Row) (*types.Exercise, error) {
	var ex types.Exercise
	err := row.Scan(
		&ex.ID,
		&ex.Title,
		&ex.CourseID,
		&ex.ReleaseDate,
		&ex.DueDate,
		&ex.AssessmentDueDate,
		&ex.BuildAndTestAfterDue,
		&ex.ExamID,
		&ex.AssessmentType,
		&ex.AllowsComplaints,
		&ex.AllowsOnlineEditor,
	)
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// FindExercise retrieves an exercise by its ID. Returns (nil, nil) when the
// exercise does not exist.
func (r *ExerciseRepository) FindExercise(ctx context.Context, id int64) (*types.Exercise, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+exerciseColumns+`
		 FROM exercises e
		 WHERE e.id = $1`,
		id,
	)

	ex, err := scanExercise(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve exercise", err)
	}
	return ex, nil
}

// FindAllNeedingScheduling returns all course exercises that may still need a
// lifecycle action: any relevant date lies after now, a participation has an
// individual due date after now, or the exercise always needs attention
// because of non-automatic assessment or enabled complaints. Exam exercises
// are handled separately by FindExamExercisesEndingAfter.
func (r *ExerciseRepository) FindAllNeedingScheduling(ctx context.Context, now time.Time) ([]*types.Exercise, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+exerciseColumns+`
		 FROM exercises e
		 WHERE e.exam_id IS NULL
		   AND (e.assessment_type <> 'automatic'
		        OR e.allows_complaints
		        OR e.release_date > $1
		        OR e.due_date > $1
		        OR e.build_and_test_after_due > $1
		        OR e.assessment_due_date > $1
		        OR EXISTS (SELECT 1 FROM participations p
		                   WHERE p.exercise_id = e.id AND p.individual_due_date > $1))
		 ORDER BY e.id`,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list exercises needing scheduling", err)
	}
	defer rows.Close()

	return collectExercises(rows)
}

// FindExamExercisesEndingAfter returns exam exercises whose exam has not
// fully ended at the given time.
func (r *ExerciseRepository) FindExamExercisesEndingAfter(ctx context.Context, now time.Time) ([]*types.Exercise, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+exerciseColumns+`
		 FROM exercises e
		 JOIN exams x ON x.id = e.exam_id
		 WHERE x.end_date > $1
		 ORDER BY e.id`,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list exam exercises", err)
	}
	defer rows.Close()

	return collectExercises(rows)
}

func collectExercises(rows pgx.Rows) ([]*types.Exercise, error) {
	var out []*types.Exercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan exercise row", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate exercise rows", err)
	}
	return out, nil
}

// CountTestCasesVisibleAfterDueDate counts the active test cases of the
// exercise whose results only become visible once the due date has passed.
// The scheduler uses a non-zero count as "scores must be recomputed at the
// due date".
func (r *ExerciseRepository) CountTestCasesVisibleAfterDueDate(ctx context.Context, exerciseID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM test_cases
		 WHERE exercise_id = $1 AND active AND visibility = 'after_due_date'`,
		exerciseID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count after-due-date test cases", err)
	}
	return count, nil
}
