package lifecycle

import (
	"time"

	"courseops/internal/types"
)

// Policy is the pure decision logic for scheduling. All functions take "now"
// explicitly so one scheduling pass uses consistent time semantics, and none
// of them touch storage.
//
// NeedsScheduling is deliberately conservative: a superfluous true only costs
// a timer that gets cancelled later, while a wrong false silently skips a
// required action.

// NeedsScheduling reports whether any lifecycle action can still be required
// for the exercise. latestIndividualDueDate is the furthest individual due
// date among the exercise's participations, or nil if none exists; the caller
// fetches it because the policy itself never queries storage.
func NeedsScheduling(ex *types.Exercise, latestIndividualDueDate *time.Time, now time.Time) bool {
	if ex.IsExamExercise() {
		return true
	}
	if ex.AssessmentType != types.AssessmentAutomatic {
		return true
	}
	if ex.AllowsComplaints {
		return true
	}
	return needsSchedulingDueToDates(ex, latestIndividualDueDate, now)
}

func needsSchedulingDueToDates(ex *types.Exercise, latestIndividualDueDate *time.Time, now time.Time) bool {
	if ex.ReleaseDate != nil && now.Before(*ex.ReleaseDate) {
		return true
	}
	if ex.BuildAndTestAfterDue != nil && now.Before(*ex.BuildAndTestAfterDue) {
		return true
	}
	if ex.DueDate != nil && now.Before(*ex.DueDate) {
		return true
	}
	return latestIndividualDueDate != nil && now.Before(*latestIndividualDueDate)
}

// EffectiveDueDate returns the due date actually governing a participation:
// its individual override if set, otherwise the exercise due date. For exam
// exercises the due date derives from exam start plus working time; the
// orchestrator stores that derived value on the participation's individual
// due date, so the same precedence applies.
func EffectiveDueDate(ex *types.Exercise, p *types.Participation) *time.Time {
	if p != nil && p.IndividualDueDate != nil {
		return p.IndividualDueDate
	}
	return ex.DueDate
}

// ExamParticipationDueDate computes the effective due date of an exam
// participation: exam start plus the student's total working time. Returns
// nil when the exam has no start date.
func ExamParticipationDueDate(exam *types.Exam, studentExam *types.StudentExam) *time.Time {
	if studentExam == nil {
		return nil
	}
	return studentExam.IndividualEndDate(exam)
}

// ExamUnlockDate is the common repository unlock moment for an exam
// exercise. Repositories open at the exam start date; the visible date only
// controls when students can see the exam.
func ExamUnlockDate(exam *types.Exam) *time.Time {
	return exam.StartDate
}

// IsPastDueDate reports whether the exercise-level due date lies in the past.
// An exercise without a due date is never past due.
func IsPastDueDate(ex *types.Exercise, now time.Time) bool {
	return ex.DueDate != nil && now.After(*ex.DueDate)
}

// IsPastAssessmentDueDate reports whether the assessment due date lies in the
// past.
func IsPastAssessmentDueDate(ex *types.Exercise, now time.Time) bool {
	return ex.AssessmentDueDate != nil && now.After(*ex.AssessmentDueDate)
}

// State computes the conceptual lifecycle state of the exercise at the given
// time. Exposed for the ops API; scheduling decisions never depend on it.
func State(ex *types.Exercise, latestIndividualDueDate *time.Time, now time.Time) types.LifecycleState {
	if !NeedsScheduling(ex, latestIndividualDueDate, now) {
		return types.StateSettled
	}
	switch {
	case ex.ReleaseDate != nil && now.Before(*ex.ReleaseDate):
		return types.StateReleasePending
	case ex.DueDate != nil && now.Before(*ex.DueDate):
		return types.StateDuePending
	case latestIndividualDueDate != nil && now.Before(*latestIndividualDueDate):
		return types.StateDuePending
	case ex.BuildAndTestAfterDue != nil && now.Before(*ex.BuildAndTestAfterDue):
		return types.StateBuildAfterDuePending
	case ex.AssessmentDueDate != nil && now.Before(*ex.AssessmentDueDate):
		return types.StateAssessmentPending
	case ex.ReleaseDate == nil && ex.DueDate == nil && ex.BuildAndTestAfterDue == nil && ex.AssessmentDueDate == nil:
		return types.StateUnscheduled
	default:
		// Dates exist but all have passed; scheduling is still required for
		// non-date reasons (exam, manual assessment, complaints).
		return types.StateAssessmentPending
	}
}
