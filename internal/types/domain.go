package types

import "time"

// Exercise is the scheduler's read-only view of a timed exercise. The
// orchestrator never trusts an in-memory copy across a time gap; every fired
// callback re-fetches the current row by ID before acting.
type Exercise struct {
	ID                    int64
	Title                 string
	CourseID              int64
	ReleaseDate           *time.Time
	DueDate               *time.Time
	AssessmentDueDate     *time.Time
	BuildAndTestAfterDue  *time.Time
	ExamID                *int64 // non-nil for exam exercises
	AssessmentType        AssessmentType
	AllowsComplaints      bool
	AllowsOnlineEditor    bool
}

// IsExamExercise reports whether the exercise belongs to an exam.
func (e *Exercise) IsExamExercise() bool {
	return e.ExamID != nil
}

// Participation is one student's enrollment in an exercise. The lock state is
// not modeled directly; it is changed by invoking lock/unlock operations.
type Participation struct {
	ID                int64
	ExerciseID        int64
	StudentLogin      string
	RepositoryURL     string
	IndividualDueDate *time.Time
	Locked            bool
}

// Exam holds the date window governing its exercises. The effective due date
// of an exam participation is StartDate plus the student's working time, never
// the exercise due date field.
type Exam struct {
	ID                 int64
	VisibleDate        *time.Time
	StartDate          *time.Time
	EndDate            *time.Time
	WorkingTimeSeconds int
}

// StudentExam carries one student's working-time allotment for an exam,
// including any extension granted mid-conduction.
type StudentExam struct {
	ID                 int64
	ExamID             int64
	StudentLogin       string
	WorkingTimeSeconds int
}

// IndividualEndDate returns the moment this student's exam ends: the exam
// start plus the student's total working time. Returns nil if the exam has no
// start date yet.
func (se *StudentExam) IndividualEndDate(exam *Exam) *time.Time {
	if exam == nil || exam.StartDate == nil {
		return nil
	}
	end := exam.StartDate.Add(time.Duration(se.WorkingTimeSeconds) * time.Second)
	return &end
}
