package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"courseops/internal/types"
)

// ExamRepository provides data access for the exams and student_exams tables.
type ExamRepository struct {
	db DBTX
}

// NewExamRepository creates a new ExamRepository backed by the given database
// connection (pool or transaction).
func NewExamRepository(db DBTX) *ExamRepository {
	return &ExamRepository{db: db}
}

const examColumns = `x.id, x.visible_date, x.start_date, x.end_date, x.working_time_seconds`

func scanExam(row pgx.Row) (*types.Exam, error) {
	var x types.Exam
	err := row.Scan(
		&x.ID,
		&x.VisibleDate,
		&x.StartDate,
		&x.EndDate,
		&x.WorkingTimeSeconds,
	)
	if err != nil {
		return nil, err
	}
	return &x, nil
}

const studentExamColumns = `s.id, s.exam_id, s.student_login, s.working_time_seconds`

func scanStudentExam(row pgx.Row) (*types.StudentExam, error) {
	var s types.StudentExam
	err := row.Scan(
		&s.ID,
		&s.ExamID,
		&s.StudentLogin,
		&s.WorkingTimeSeconds,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindExam retrieves an exam by its ID. Returns (nil, nil) when it does not
// exist.
func (r *ExamRepository) FindExam(ctx context.Context, id int64) (*types.Exam, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+examColumns+`
		 FROM exams x
		 WHERE x.id = $1`,
		id,
	)

	x, err := scanExam(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve exam", err)
	}
	return x, nil
}

// FindStudentExams returns all student exams of the exam.
func (r *ExamRepository) FindStudentExams(ctx context.Context, examID int64) ([]*types.StudentExam, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+studentExamColumns+`
		 FROM student_exams s
		 WHERE s.exam_id = $1
		 ORDER BY s.id`,
		examID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list student exams", err)
	}
	defer rows.Close()

	var out []*types.StudentExam
	for rows.Next() {
		s, err := scanStudentExam(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan student exam row", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate student exam rows", err)
	}
	return out, nil
}

// FindStudentExam retrieves a student exam by its ID. Returns (nil, nil) when
// it does not exist.
func (r *ExamRepository) FindStudentExam(ctx context.Context, id int64) (*types.StudentExam, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+studentExamColumns+`
		 FROM student_exams s
		 WHERE s.id = $1`,
		id,
	)

	s, err := scanStudentExam(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve student exam", err)
	}
	return s, nil
}

// FindExerciseIDsByExam returns the ids of all exercises belonging to the
// exam.
func (r *ExamRepository) FindExerciseIDsByExam(ctx context.Context, examID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id
		 FROM exercises
		 WHERE exam_id = $1
		 ORDER BY id`,
		examID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list exam exercise ids", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan exercise id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate exercise ids", err)
	}
	return out, nil
}

// FindStudentExamForParticipation returns the student exam governing the
// given student's working time in the exam, or (nil, nil) when none exists.
func (r *ExamRepository) FindStudentExamForParticipation(ctx context.Context, examID int64, studentLogin string) (*types.StudentExam, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+studentExamColumns+`
		 FROM student_exams s
		 WHERE s.exam_id = $1 AND s.student_login = $2`,
		examID,
		studentLogin,
	)

	s, err := scanStudentExam(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve student exam for participation", err)
	}
	return s, nil
}
