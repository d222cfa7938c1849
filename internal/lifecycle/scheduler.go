package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"courseops/internal/types"
)

// Scheduling constants.
const (
	// ReleaseWarmupLead is how long before the release date the template
	// warmup build is triggered, so students see a finished template the
	// moment the exercise opens.
	ReleaseWarmupLead = 15 * time.Second

	// DefaultExamUnlockGrace is the delay for the backup unlock scheduled
	// while an exam is already running. It exists purely as a defense against
	// a process restart that lost the original unlock timer.
	DefaultExamUnlockGrace = 5 * time.Second

	// DefaultStartupTimeout bounds the startup re-scheduling pass so process
	// readiness is not delayed indefinitely.
	DefaultStartupTimeout = 5 * time.Minute
)

// Batch operation names used in logs and aggregate notifications.
const (
	opLockRepositories   = "lock student repositories and participations"
	opUnlockRepositories = "unlock student repositories and participations"
	opStashChanges       = "stash unsubmitted online editor changes"
)

// Scheduler is the exercise scheduling orchestrator. On every save, delete,
// and startup it computes which lifecycle boundaries still lie ahead and
// keeps exactly one set of timers per lifecycle key, cancelling boundaries
// that moved into the past. Fired callbacks capture only ids and re-fetch
// fresh state before acting.
type Scheduler struct {
	registry       *Registry
	coordinator    *Coordinator
	exercises      ExerciseStore
	participations ParticipationStore
	exams          ExamStore
	repos          RepositoryAccess
	builds         BuildTrigger
	grading        GradingService
	notifier       InstructorNotifier
	metrics        Metrics
	clock          types.Clock
	logger         *slog.Logger

	examUnlockGrace time.Duration
	startupTimeout  time.Duration
}

// SchedulerConfig holds the dependencies and tunables for a Scheduler.
type SchedulerConfig struct {
	Registry       *Registry
	Coordinator    *Coordinator
	Exercises      ExerciseStore
	Participations ParticipationStore
	Exams          ExamStore
	Repos          RepositoryAccess
	Builds         BuildTrigger
	Grading        GradingService
	Notifier       InstructorNotifier
	Metrics        Metrics
	Clock          types.Clock
	Logger         *slog.Logger

	ExamUnlockGrace time.Duration
	StartupTimeout  time.Duration
}

// NewScheduler creates a Scheduler with the given configuration.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	grace := cfg.ExamUnlockGrace
	if grace <= 0 {
		grace = DefaultExamUnlockGrace
	}
	startupTimeout := cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}
	return &Scheduler{
		registry:        cfg.Registry,
		coordinator:     cfg.Coordinator,
		exercises:       cfg.Exercises,
		participations:  cfg.Participations,
		exams:           cfg.Exams,
		repos:           cfg.Repos,
		builds:          cfg.Builds,
		grading:         cfg.Grading,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		clock:           clock,
		logger:          logger,
		examUnlockGrace: grace,
		startupTimeout:  startupTimeout,
	}
}

// OnStartup re-schedules all exercises that may still need lifecycle actions.
// A scheduling failure for one exercise never aborts the pass for the others,
// and the whole pass is bounded by the startup timeout.
func (s *Scheduler) OnStartup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(types.WithSystemActor(ctx), s.startupTimeout)
	defer cancel()

	now := s.clock.Now()
	scheduled := 0

	exercises, err := s.exercises.FindAllNeedingScheduling(ctx, now)
	if err != nil {
		s.logger.Error("startup re-scheduling: failed to load exercises", "error", err)
	} else {
		for _, ex := range exercises {
			if err := s.scheduleExercise(ctx, ex); err != nil {
				s.logger.Error("failed to schedule exercise on startup",
					"exercise_id", ex.ID,
					"error", err,
				)
				continue
			}
			scheduled++
		}
	}

	examExercises, err := s.exercises.FindExamExercisesEndingAfter(ctx, now)
	if err != nil {
		s.logger.Error("startup re-scheduling: failed to load exam exercises", "error", err)
	} else {
		for _, ex := range examExercises {
			if err := s.scheduleExamExercise(ctx, ex); err != nil {
				s.logger.Error("failed to schedule exam exercise on startup",
					"exercise_id", ex.ID,
					"error", err,
				)
				continue
			}
			scheduled++
		}
	}

	if s.metrics != nil {
		s.metrics.RecordScheduledExercises(scheduled)
	}
	s.logger.Info("startup re-scheduling complete", "scheduled", scheduled)
}

// OnExerciseSaved recomputes the scheduling for a created or updated
// exercise. If no lifecycle action can ever be required again, all timers for
// the exercise are cancelled.
func (s *Scheduler) OnExerciseSaved(ctx context.Context, exercise *types.Exercise) {
	now := s.clock.Now()

	latestIndividual, err := s.participations.LatestIndividualDueDate(ctx, exercise.ID)
	if err != nil {
		s.logger.Error("failed to load latest individual due date, scheduling conservatively",
			"exercise_id", exercise.ID,
			"error", err,
		)
		// Bias toward scheduling: a wasted timer is cancelled later, a
		// skipped one loses a required action.
		latestIndividual = nil
		far := now.Add(24 * time.Hour)
		latestIndividual = &far
	}

	if !NeedsScheduling(exercise, latestIndividual, now) {
		s.registry.CancelAll(exercise.ID)
		s.logger.Debug("exercise settled, cancelled all lifecycle tasks", "exercise_id", exercise.ID)
		return
	}

	if err := s.scheduleExercise(ctx, exercise); err != nil {
		s.logger.Error("failed to schedule exercise",
			"exercise_id", exercise.ID,
			"error", err,
		)
	}
}

// OnExerciseDeleted cancels every timer of the exercise, including all
// participation-level ones.
func (s *Scheduler) OnExerciseDeleted(exerciseID int64) {
	s.registry.CancelAll(exerciseID)
	s.logger.Info("cancelled all lifecycle tasks for deleted exercise", "exercise_id", exerciseID)
}

func (s *Scheduler) scheduleExercise(ctx context.Context, exercise *types.Exercise) error {
	if exercise.IsExamExercise() {
		return s.scheduleExamExercise(ctx, exercise)
	}
	return s.scheduleCourseExercise(ctx, exercise)
}

// scheduleCourseExercise installs timers for every future boundary of a
// course exercise and actively cancels every boundary whose date has passed,
// so edits that move a date into the past retract the pending action.
func (s *Scheduler) scheduleCourseExercise(ctx context.Context, exercise *types.Exercise) error {
	now := s.clock.Now()

	if exercise.ReleaseDate != nil && now.Before(*exercise.ReleaseDate) {
		warmupAt := exercise.ReleaseDate.Add(-ReleaseWarmupLead)
		s.registry.ScheduleExerciseTask(exercise.ID, types.LifecycleRelease, warmupAt,
			s.releaseTask(exercise.ID, *exercise.ReleaseDate))
		s.logger.Debug("scheduled release warmup",
			"exercise_id", exercise.ID,
			"release_date", exercise.ReleaseDate.Format(time.RFC3339),
		)
	} else {
		s.registry.Cancel(exercise.ID, types.LifecycleRelease)
	}

	if exercise.DueDate != nil && now.Before(*exercise.DueDate) {
		s.registry.ScheduleExerciseTask(exercise.ID, types.LifecycleDue, *exercise.DueDate,
			s.regularDueTask(exercise.ID, *exercise.DueDate))
		s.logger.Debug("scheduled due date lock",
			"exercise_id", exercise.ID,
			"due_date", exercise.DueDate.Format(time.RFC3339),
		)
	} else {
		s.registry.Cancel(exercise.ID, types.LifecycleDue)
	}

	if exercise.BuildAndTestAfterDue != nil && now.Before(*exercise.BuildAndTestAfterDue) {
		s.registry.ScheduleExerciseTask(exercise.ID, types.LifecycleBuildAndTestAfterDue,
			*exercise.BuildAndTestAfterDue,
			s.buildAndTestTask(exercise.ID, *exercise.BuildAndTestAfterDue))
	} else {
		s.registry.Cancel(exercise.ID, types.LifecycleBuildAndTestAfterDue)
	}

	if exercise.AssessmentDueDate != nil && now.Before(*exercise.AssessmentDueDate) {
		s.registry.ScheduleExerciseTask(exercise.ID, types.LifecycleAssessmentDue,
			*exercise.AssessmentDueDate,
			s.assessmentDueTask(exercise.ID, *exercise.AssessmentDueDate))
	} else {
		s.registry.Cancel(exercise.ID, types.LifecycleAssessmentDue)
	}

	return s.scheduleParticipationTasks(ctx, exercise, now)
}

// scheduleParticipationTasks handles participations with individual due
// dates. Participations sharing an identical due date are grouped so exactly
// one timer fires per distinct timestamp; participations whose individual due
// date was removed fold back under the exercise-level due timer.
func (s *Scheduler) scheduleParticipationTasks(ctx context.Context, exercise *types.Exercise, now time.Time) error {
	participations, err := s.participations.FindParticipations(ctx, exercise.ID)
	if err != nil {
		return fmt.Errorf("loading participations of exercise %d: %w", exercise.ID, err)
	}

	var tuples []dueDateTuple
	for _, p := range participations {
		if exercise.DueDate == nil || p.IndividualDueDate == nil {
			s.registry.CancelAllParticipationLifecycles(exercise.ID, p.ID)
			continue
		}

		if now.Before(*p.IndividualDueDate) {
			tuples = append(tuples, dueDateTuple{At: *p.IndividualDueDate, ParticipationID: p.ID})
		} else {
			s.registry.CancelParticipation(exercise.ID, p.ID, types.ParticipationLifecycleDue)
		}

		// A separate build only makes sense when the individual due date lies
		// beyond the exercise-wide rebuild date.
		if now.Before(*p.IndividualDueDate) && exercise.BuildAndTestAfterDue != nil &&
			p.IndividualDueDate.After(*exercise.BuildAndTestAfterDue) {
			s.registry.ScheduleParticipationTask(exercise.ID, p.ID,
				types.ParticipationLifecycleBuildAndTestAfterDue, *p.IndividualDueDate,
				s.participationBuildTask(exercise.ID, p.ID))
		} else {
			s.registry.CancelParticipation(exercise.ID, p.ID, types.ParticipationLifecycleBuildAndTestAfterDue)
		}
	}

	s.scheduleGroupedLockTasks(exercise.ID, tuples, now)
	return nil
}

// dueDateTuple pairs a participation with its effective due date.
type dueDateTuple struct {
	At              time.Time
	ParticipationID int64
}

// scheduleGroupedLockTasks groups the tuples by timestamp and installs one
// lock timer per distinct future timestamp, registered under the due
// lifecycle key of every group member.
func (s *Scheduler) scheduleGroupedLockTasks(exerciseID int64, tuples []dueDateTuple, now time.Time) {
	groups := make(map[int64][]int64) // unix nanos -> participation ids
	times := make(map[int64]time.Time)
	for _, t := range tuples {
		if !now.Before(t.At) {
			continue
		}
		key := t.At.UnixNano()
		groups[key] = append(groups[key], t.ParticipationID)
		times[key] = t.At
	}

	for key, members := range groups {
		at := times[key]
		s.registry.ScheduleParticipationGroupTask(exerciseID, members,
			types.ParticipationLifecycleDue, at,
			s.groupLockTask(exerciseID, at, members))
		s.logger.Debug("scheduled grouped individual due date lock",
			"exercise_id", exerciseID,
			"at", at.Format(time.RFC3339),
			"participations", len(members),
		)
	}
}

// scheduleExamExercise installs timers for an exam exercise. Before the exam
// the repositories unlock at the exam start; during the exam a backup unlock
// runs shortly after now (defense against a restart that lost the original
// timer) and the per-student lock timers are re-derived from working times.
func (s *Scheduler) scheduleExamExercise(ctx context.Context, exercise *types.Exercise) error {
	if exercise.ExamID == nil {
		return fmt.Errorf("exercise %d is not an exam exercise", exercise.ID)
	}
	exam, err := s.exams.FindExam(ctx, *exercise.ExamID)
	if err != nil {
		return fmt.Errorf("loading exam %d: %w", *exercise.ExamID, err)
	}
	if exam == nil || exam.VisibleDate == nil || exam.StartDate == nil {
		s.logger.Error("exam exercise cannot be scheduled, exam dates missing",
			"exercise_id", exercise.ID,
			"exam_id", exercise.ExamID,
		)
		return nil
	}

	now := s.clock.Now()
	unlockDate := *ExamUnlockDate(exam)

	switch {
	case now.Before(unlockDate):
		s.registry.ScheduleExerciseTask(exercise.ID, types.LifecycleRelease, unlockDate,
			s.examUnlockTask(exercise.ID, unlockDate))
	case now.Before(s.latestIndividualExamEnd(ctx, exam)):
		// Backup unlock in case the original timer was lost to a restart.
		s.registry.ScheduleExerciseTask(exercise.ID, types.LifecycleRelease,
			now.Add(s.examUnlockGrace), s.examUnlockTask(exercise.ID, unlockDate))
		if err := s.rescheduleExamExerciseLocks(ctx, exercise, exam); err != nil {
			return err
		}
	}
	// After the exam there is nothing to unlock or lock.

	if exercise.BuildAndTestAfterDue != nil && now.Before(*exercise.BuildAndTestAfterDue) {
		s.registry.ScheduleExerciseTask(exercise.ID, types.LifecycleBuildAndTestAfterDue,
			*exercise.BuildAndTestAfterDue,
			s.buildAndTestTask(exercise.ID, *exercise.BuildAndTestAfterDue))
	} else {
		s.registry.Cancel(exercise.ID, types.LifecycleBuildAndTestAfterDue)
	}

	s.logger.Debug("scheduled exam exercise", "exercise_id", exercise.ID, "exam_id", *exercise.ExamID)
	return nil
}

// latestIndividualExamEnd returns the furthest individual end date of the
// exam, falling back to the exam end date when no student exams exist.
func (s *Scheduler) latestIndividualExamEnd(ctx context.Context, exam *types.Exam) time.Time {
	latest := time.Time{}
	if exam.EndDate != nil {
		latest = *exam.EndDate
	}
	studentExams, err := s.exams.FindStudentExams(ctx, exam.ID)
	if err != nil {
		s.logger.Error("failed to load student exams, using exam end date",
			"exam_id", exam.ID,
			"error", err,
		)
		return latest
	}
	for _, se := range studentExams {
		if end := se.IndividualEndDate(exam); end != nil && end.After(latest) {
			latest = *end
		}
	}
	return latest
}

// RescheduleExamDuringConduction re-derives the effective due date of every
// participation in the exam's exercises and re-installs the grouped lock
// timers. Used when an exam is extended mid-conduction.
func (s *Scheduler) RescheduleExamDuringConduction(ctx context.Context, examID int64) error {
	exam, err := s.exams.FindExam(ctx, examID)
	if err != nil {
		return fmt.Errorf("loading exam %d: %w", examID, err)
	}
	if exam == nil {
		return types.NewAppError(types.ErrCodeNotFoundExam, fmt.Sprintf("exam %d not found", examID), nil)
	}

	exerciseIDs, err := s.exams.FindExerciseIDsByExam(ctx, examID)
	if err != nil {
		return fmt.Errorf("loading exercises of exam %d: %w", examID, err)
	}

	for _, exerciseID := range exerciseIDs {
		exercise, err := s.exercises.FindExercise(ctx, exerciseID)
		if err != nil || exercise == nil {
			s.logger.Error("skipping exam exercise during reschedule",
				"exercise_id", exerciseID,
				"error", err,
			)
			continue
		}
		if err := s.rescheduleExamExerciseLocks(ctx, exercise, exam); err != nil {
			s.logger.Error("failed to reschedule exam exercise locks",
				"exercise_id", exerciseID,
				"error", err,
			)
		}
	}
	return nil
}

// RescheduleStudentExam re-derives due dates after one student's working time
// changed. The grouping is recomputed for the whole exercise so that the
// student moves between timestamp groups without stranding the old group's
// timer.
func (s *Scheduler) RescheduleStudentExam(ctx context.Context, studentExamID int64) error {
	studentExam, err := s.exams.FindStudentExam(ctx, studentExamID)
	if err != nil {
		return fmt.Errorf("loading student exam %d: %w", studentExamID, err)
	}
	if studentExam == nil {
		return types.NewAppError(types.ErrCodeNotFoundStudentExam,
			fmt.Sprintf("student exam %d not found", studentExamID), nil)
	}
	return s.RescheduleExamDuringConduction(ctx, studentExam.ExamID)
}

// rescheduleExamExerciseLocks derives (due date, participation) tuples from
// the current student exam working times and re-installs the grouped lock
// timers for the exercise.
func (s *Scheduler) rescheduleExamExerciseLocks(ctx context.Context, exercise *types.Exercise, exam *types.Exam) error {
	tuples, err := s.examDueDateTuples(ctx, exercise, exam)
	if err != nil {
		return err
	}
	s.scheduleGroupedLockTasks(exercise.ID, tuples, s.clock.Now())
	return nil
}

// examDueDateTuples matches the exercise's participations to their student
// exams and computes each student's individual end date.
func (s *Scheduler) examDueDateTuples(ctx context.Context, exercise *types.Exercise, exam *types.Exam) ([]dueDateTuple, error) {
	participations, err := s.participations.FindParticipations(ctx, exercise.ID)
	if err != nil {
		return nil, fmt.Errorf("loading participations of exercise %d: %w", exercise.ID, err)
	}
	studentExams, err := s.exams.FindStudentExams(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("loading student exams of exam %d: %w", exam.ID, err)
	}

	byLogin := make(map[string]*types.StudentExam, len(studentExams))
	for _, se := range studentExams {
		byLogin[se.StudentLogin] = se
	}

	var tuples []dueDateTuple
	for _, p := range participations {
		se, ok := byLogin[p.StudentLogin]
		if !ok {
			continue
		}
		if due := ExamParticipationDueDate(exam, se); due != nil {
			tuples = append(tuples, dueDateTuple{At: *due, ParticipationID: p.ID})
		}
	}
	return tuples, nil
}

// ---------------------------------------------------------------------------
// Fired callbacks. Each closure captures only immutable ids plus the date it
// was scheduled for, re-fetches fresh state, and verifies the date still
// matches before acting (staleness guard).
// ---------------------------------------------------------------------------

func (s *Scheduler) releaseTask(exerciseID int64, expectedRelease time.Time) Task {
	return func(ctx context.Context) {
		ctx = types.WithSystemActor(ctx)
		exercise := s.refetch(ctx, exerciseID, "release warmup")
		if exercise == nil {
			return
		}
		if !timeEqual(exercise.ReleaseDate, &expectedRelease) {
			s.logger.Info("release date changed since scheduling, skipping warmup",
				"exercise_id", exerciseID,
			)
			return
		}
		if err := s.builds.TriggerInstructorBuild(ctx, exerciseID); err != nil {
			s.logger.Error("release warmup build failed", "exercise_id", exerciseID, "error", err)
		}
	}
}

// regularDueTask locks repositories and participations of all students
// without an individual due date, recomputes scores when hidden test results
// must become visible, and stashes online editor changes for manual review.
func (s *Scheduler) regularDueTask(exerciseID int64, expectedDue time.Time) Task {
	return func(ctx context.Context) {
		ctx = types.WithSystemActor(ctx)
		exercise := s.refetch(ctx, exerciseID, "due date lock")
		if exercise == nil {
			return
		}
		if !timeEqual(exercise.DueDate, &expectedDue) {
			s.logger.Info("due date changed since scheduling, skipping lock",
				"exercise_id", exerciseID,
				"expected", expectedDue.Format(time.RFC3339),
			)
			return
		}

		noIndividualDueDate := func(p *types.Participation) bool { return p.IndividualDueDate == nil }

		if _, err := s.coordinator.RunOnParticipations(ctx, exerciseID, opLockRepositories,
			noIndividualDueDate, s.lockAction()); err != nil {
			s.logger.Error("due date lock batch failed", "exercise_id", exerciseID, "error", err)
			return
		}

		if s.scoreUpdateNeeded(ctx, exercise) {
			if err := s.grading.RecomputeResults(ctx, exerciseID); err != nil {
				s.logger.Error("score recomputation failed", "exercise_id", exerciseID, "error", err)
			}
		}

		s.stashOnlineEditorChanges(ctx, exercise, noIndividualDueDate)
	}
}

func (s *Scheduler) buildAndTestTask(exerciseID int64, expected time.Time) Task {
	return func(ctx context.Context) {
		ctx = types.WithSystemActor(ctx)
		exercise := s.refetch(ctx, exerciseID, "build and test after due date")
		if exercise == nil {
			return
		}
		if !timeEqual(exercise.BuildAndTestAfterDue, &expected) {
			s.logger.Info("build and test date changed since scheduling, skipping rebuild",
				"exercise_id", exerciseID,
			)
			return
		}
		s.logger.Info("triggering instructor build after due date", "exercise_id", exerciseID)
		if err := s.builds.TriggerInstructorBuild(ctx, exerciseID); err != nil {
			s.logger.Error("instructor build trigger failed", "exercise_id", exerciseID, "error", err)
		}
	}
}

func (s *Scheduler) assessmentDueTask(exerciseID int64, expected time.Time) Task {
	return func(ctx context.Context) {
		ctx = types.WithSystemActor(ctx)
		exercise := s.refetch(ctx, exerciseID, "assessment due")
		if exercise == nil {
			return
		}
		if !timeEqual(exercise.AssessmentDueDate, &expected) {
			s.logger.Info("assessment due date changed since scheduling, skipping",
				"exercise_id", exerciseID,
			)
			return
		}
		if err := s.grading.RecomputeResults(ctx, exerciseID); err != nil {
			s.logger.Error("post-assessment score recomputation failed",
				"exercise_id", exerciseID,
				"error", err,
			)
		}
		if s.notifier != nil {
			if err := s.notifier.NotifyInstructors(ctx, exercise, "assessment period ended, results released"); err != nil {
				s.logger.Error("assessment due notification failed", "exercise_id", exerciseID, "error", err)
			}
		}
	}
}

// participationBuildTask triggers a rebuild for a single participation whose
// individual due date lies beyond the exercise-wide rebuild date.
func (s *Scheduler) participationBuildTask(exerciseID, participationID int64) Task {
	return func(ctx context.Context) {
		ctx = types.WithSystemActor(ctx)
		p, err := s.participations.FindParticipation(ctx, participationID)
		if err != nil {
			s.logger.Error("failed to load participation for scheduled build",
				"participation_id", participationID,
				"error", err,
			)
			return
		}
		if p == nil {
			s.logger.Warn("participation no longer exists, skipping scheduled build",
				"exercise_id", exerciseID,
				"participation_id", participationID,
			)
			return
		}
		if err := s.builds.TriggerBuild(ctx, []int64{participationID}); err != nil {
			s.logger.Error("participation build trigger failed",
				"participation_id", participationID,
				"error", err,
			)
		}
	}
}

// groupLockTask locks the repositories of one due-date group. At fire time it
// recomputes each member's current effective due date and locks only those
// still mapped to this timestamp; members whose date was edited again in the
// gap are left to their new group's timer.
func (s *Scheduler) groupLockTask(exerciseID int64, at time.Time, memberIDs []int64) Task {
	members := make(map[int64]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}

	return func(ctx context.Context) {
		ctx = types.WithSystemActor(ctx)
		exercise := s.refetch(ctx, exerciseID, "grouped due date lock")
		if exercise == nil {
			return
		}

		stillMatches, err := s.currentDueDateChecker(ctx, exercise, at)
		if err != nil {
			s.logger.Error("failed to derive current due dates for group lock",
				"exercise_id", exerciseID,
				"error", err,
			)
			return
		}

		predicate := func(p *types.Participation) bool {
			if _, ok := members[p.ID]; !ok {
				return false
			}
			return stillMatches(p)
		}

		if _, err := s.coordinator.RunOnParticipations(ctx, exerciseID, opLockRepositories,
			predicate, s.lockAndRegradeAction(ctx, exercise)); err != nil {
			s.logger.Error("grouped lock batch failed", "exercise_id", exerciseID, "error", err)
			return
		}

		s.stashOnlineEditorChanges(ctx, exercise, predicate)
	}
}

// currentDueDateChecker returns a predicate testing whether a participation's
// current effective due date equals the scheduled timestamp. For exam
// exercises the date is re-derived from the student's working time.
func (s *Scheduler) currentDueDateChecker(ctx context.Context, exercise *types.Exercise, at time.Time) (func(*types.Participation) bool, error) {
	if !exercise.IsExamExercise() {
		return func(p *types.Participation) bool {
			return p.IndividualDueDate != nil && p.IndividualDueDate.Equal(at)
		}, nil
	}

	exam, err := s.exams.FindExam(ctx, *exercise.ExamID)
	if err != nil {
		return nil, err
	}
	if exam == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundExam, "exam vanished before group lock", nil)
	}
	studentExams, err := s.exams.FindStudentExams(ctx, exam.ID)
	if err != nil {
		return nil, err
	}
	endByLogin := make(map[string]time.Time, len(studentExams))
	for _, se := range studentExams {
		if end := se.IndividualEndDate(exam); end != nil {
			endByLogin[se.StudentLogin] = *end
		}
	}
	return func(p *types.Participation) bool {
		end, ok := endByLogin[p.StudentLogin]
		return ok && end.Equal(at)
	}, nil
}

// examUnlockTask unlocks all repositories of the exam exercise and, once
// unlocked, installs the grouped lock timers from the current working times.
// The unlock only runs while the exam window is still open for at least one
// student.
func (s *Scheduler) examUnlockTask(exerciseID int64, expectedUnlock time.Time) Task {
	return func(ctx context.Context) {
		ctx = types.WithSystemActor(ctx)
		exercise := s.refetch(ctx, exerciseID, "exam unlock")
		if exercise == nil || exercise.ExamID == nil {
			return
		}
		exam, err := s.exams.FindExam(ctx, *exercise.ExamID)
		if err != nil || exam == nil {
			s.logger.Error("exam vanished before unlock", "exercise_id", exerciseID, "error", err)
			return
		}
		if unlock := ExamUnlockDate(exam); unlock == nil || !unlock.Equal(expectedUnlock) {
			s.logger.Info("exam start changed since scheduling, skipping unlock",
				"exercise_id", exerciseID,
			)
			return
		}

		everyone := func(*types.Participation) bool { return true }
		if _, err := s.coordinator.RunOnParticipations(ctx, exerciseID, opUnlockRepositories,
			everyone, s.unlockAction()); err != nil {
			s.logger.Error("exam unlock batch failed", "exercise_id", exerciseID, "error", err)
			return
		}

		// Working times change often right up to the exam start, so the lock
		// timers are derived only now, after the unlock actually happened.
		if err := s.rescheduleExamExerciseLocks(ctx, exercise, exam); err != nil {
			s.logger.Error("failed to schedule exam lock timers after unlock",
				"exercise_id", exerciseID,
				"error", err,
			)
		}
	}
}

// ---------------------------------------------------------------------------
// Participation actions used by the bulk coordinator.
// ---------------------------------------------------------------------------

// lockAction revokes repository write access and marks the participation
// read-only. Locking an already-locked participation reports success.
func (s *Scheduler) lockAction() ParticipationAction {
	return func(ctx context.Context, ex *types.Exercise, p *types.Participation) error {
		if err := s.repos.LockRepository(ctx, p); err != nil {
			return fmt.Errorf("locking repository of participation %d: %w", p.ID, err)
		}
		if err := s.participations.SetLocked(ctx, p.ID, true); err != nil {
			return fmt.Errorf("locking participation record %d: %w", p.ID, err)
		}
		return nil
	}
}

// lockAndRegradeAction locks and additionally recomputes the participation's
// results when hidden test results must become visible at the individual due
// date.
func (s *Scheduler) lockAndRegradeAction(ctx context.Context, exercise *types.Exercise) ParticipationAction {
	regrade := s.scoreUpdateNeeded(ctx, exercise)
	lock := s.lockAction()
	return func(ctx context.Context, ex *types.Exercise, p *types.Participation) error {
		if err := lock(ctx, ex, p); err != nil {
			return err
		}
		if regrade {
			if err := s.grading.RecomputeParticipationResults(ctx, p.ID); err != nil {
				return fmt.Errorf("recomputing results of participation %d: %w", p.ID, err)
			}
		}
		return nil
	}
}

// unlockAction grants repository write access and clears the read-only flag.
func (s *Scheduler) unlockAction() ParticipationAction {
	return func(ctx context.Context, ex *types.Exercise, p *types.Participation) error {
		if err := s.repos.UnlockRepository(ctx, p); err != nil {
			return fmt.Errorf("unlocking repository of participation %d: %w", p.ID, err)
		}
		if err := s.participations.SetLocked(ctx, p.ID, false); err != nil {
			return fmt.Errorf("unlocking participation record %d: %w", p.ID, err)
		}
		return nil
	}
}

// stashOnlineEditorChanges freezes unsubmitted editor changes after a lock so
// manual assessment only sees committed work. Always runs when the online
// editor is enabled; instructors may switch on manual assessment later.
func (s *Scheduler) stashOnlineEditorChanges(ctx context.Context, exercise *types.Exercise, predicate ParticipationPredicate) {
	if !exercise.AllowsOnlineEditor {
		return
	}
	stash := func(ctx context.Context, ex *types.Exercise, p *types.Participation) error {
		return s.repos.StashChanges(ctx, p)
	}
	if _, err := s.coordinator.RunOnParticipations(ctx, exercise.ID, opStashChanges, predicate, stash); err != nil {
		s.logger.Error("stash batch failed", "exercise_id", exercise.ID, "error", err)
	}
}

// scoreUpdateNeeded reports whether scores must be recomputed at the due
// date: no rebuild is scheduled but test cases exist whose results only
// become visible after the due date.
func (s *Scheduler) scoreUpdateNeeded(ctx context.Context, exercise *types.Exercise) bool {
	if exercise.BuildAndTestAfterDue != nil {
		return false
	}
	count, err := s.exercises.CountTestCasesVisibleAfterDueDate(ctx, exercise.ID)
	if err != nil {
		s.logger.Error("failed to count after-due-date test cases, assuming recompute is needed",
			"exercise_id", exercise.ID,
			"error", err,
		)
		return true
	}
	return count > 0
}

// refetch loads the current exercise state at fire time. Returns nil (after
// logging) when the exercise no longer exists or the lookup failed.
func (s *Scheduler) refetch(ctx context.Context, exerciseID int64, operation string) *types.Exercise {
	exercise, err := s.exercises.FindExercise(ctx, exerciseID)
	if err != nil {
		s.logger.Error("failed to re-fetch exercise for scheduled task",
			"exercise_id", exerciseID,
			"operation", operation,
			"error", err,
		)
		return nil
	}
	if exercise == nil {
		s.logger.Warn("exercise no longer exists, skipping scheduled task",
			"exercise_id", exerciseID,
			"operation", operation,
		)
		return nil
	}
	return exercise
}

// timeEqual compares two optional timestamps for instant equality.
func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// LifecycleState computes the conceptual state of an exercise for the ops
// API.
func (s *Scheduler) LifecycleState(ctx context.Context, exerciseID int64) (types.LifecycleState, error) {
	exercise, err := s.exercises.FindExercise(ctx, exerciseID)
	if err != nil {
		return "", err
	}
	if exercise == nil {
		return "", types.NewAppError(types.ErrCodeNotFoundExercise,
			fmt.Sprintf("exercise %d not found", exerciseID), nil)
	}
	latest, err := s.participations.LatestIndividualDueDate(ctx, exerciseID)
	if err != nil {
		return "", err
	}
	return State(exercise, latest, s.clock.Now()), nil
}
