package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"courseops/internal/types"
)

// ============================================================
// Mock: RepositoryAccess
// ============================================================

type mockRepoAccess struct {
	mu         sync.Mutex
	locked     []int64
	unlocked   []int64
	stashed    []int64
	failLockOn map[int64]error
}

func (m *mockRepoAccess) LockRepository(_ context.Context, p *types.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failLockOn[p.ID]; ok {
		return err
	}
	m.locked = append(m.locked, p.ID)
	return nil
}

func (m *mockRepoAccess) UnlockRepository(_ context.Context, p *types.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = append(m.unlocked, p.ID)
	return nil
}

func (m *mockRepoAccess) StashChanges(_ context.Context, p *types.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stashed = append(m.stashed, p.ID)
	return nil
}

func (m *mockRepoAccess) lockedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.locked...)
}

func (m *mockRepoAccess) unlockedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.unlocked...)
}

// ============================================================
// Mock: BuildTrigger
// ============================================================

type mockBuildTrigger struct {
	mu               sync.Mutex
	builds           [][]int64
	instructorBuilds []int64
}

func (m *mockBuildTrigger) TriggerBuild(_ context.Context, participationIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds = append(m.builds, participationIDs)
	return nil
}

func (m *mockBuildTrigger) TriggerInstructorBuild(_ context.Context, exerciseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instructorBuilds = append(m.instructorBuilds, exerciseID)
	return nil
}

func (m *mockBuildTrigger) instructorBuildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instructorBuilds)
}

// ============================================================
// Mock: GradingService
// ============================================================

type mockGrading struct {
	mu                      sync.Mutex
	exerciseRecomputes      []int64
	participationRecomputes []int64
}

func (m *mockGrading) RecomputeResults(_ context.Context, exerciseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exerciseRecomputes = append(m.exerciseRecomputes, exerciseID)
	return nil
}

func (m *mockGrading) RecomputeParticipationResults(_ context.Context, participationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participationRecomputes = append(m.participationRecomputes, participationID)
	return nil
}

func (m *mockGrading) exerciseRecomputeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exerciseRecomputes)
}

// ============================================================
// Mock: ExamStore
// ============================================================

type memExamStore struct {
	mu           sync.Mutex
	exams        map[int64]*types.Exam
	studentExams map[int64][]*types.StudentExam
	exerciseIDs  map[int64][]int64
}

func newMemExamStore() *memExamStore {
	return &memExamStore{
		exams:        make(map[int64]*types.Exam),
		studentExams: make(map[int64][]*types.StudentExam),
		exerciseIDs:  make(map[int64][]int64),
	}
}

func (s *memExamStore) FindExam(_ context.Context, id int64) (*types.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exams[id], nil
}

func (s *memExamStore) FindStudentExams(_ context.Context, examID int64) ([]*types.StudentExam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.studentExams[examID], nil
}

func (s *memExamStore) FindStudentExam(_ context.Context, id int64) (*types.StudentExam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.studentExams {
		for _, se := range list {
			if se.ID == id {
				return se, nil
			}
		}
	}
	return nil, nil
}

func (s *memExamStore) FindExerciseIDsByExam(_ context.Context, examID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exerciseIDs[examID], nil
}

func (s *memExamStore) FindStudentExamForParticipation(_ context.Context, examID int64, studentLogin string) (*types.StudentExam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, se := range s.studentExams[examID] {
		if se.StudentLogin == studentLogin {
			return se, nil
		}
	}
	return nil, nil
}

// ============================================================
// Scheduler Test Fixture
// ============================================================

type schedFixture struct {
	exercises      *memExerciseStore
	participations *memParticipationStore
	exams          *memExamStore
	repos          *mockRepoAccess
	builds         *mockBuildTrigger
	grading        *mockGrading
	notifier       *mockNotifier
	metrics        *mockMetrics
	registry       *Registry
	scheduler      *Scheduler
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := &schedFixture{
		exercises:      newMemExerciseStore(),
		participations: newMemParticipationStore(),
		exams:          newMemExamStore(),
		repos:          &mockRepoAccess{},
		builds:         &mockBuildTrigger{},
		grading:        &mockGrading{},
		notifier:       &mockNotifier{},
		metrics:        &mockMetrics{},
	}
	engine := newTestEngine(t)
	f.registry = NewRegistry(engine, testLogger())
	coordinator := NewCoordinator(CoordinatorConfig{
		Exercises:      f.exercises,
		Participations: f.participations,
		Notifier:       f.notifier,
		Metrics:        f.metrics,
		Workers:        4,
		Logger:         testLogger(),
	})
	f.scheduler = NewScheduler(SchedulerConfig{
		Registry:        f.registry,
		Coordinator:     coordinator,
		Exercises:       f.exercises,
		Participations:  f.participations,
		Exams:           f.exams,
		Repos:           f.repos,
		Builds:          f.builds,
		Grading:         f.grading,
		Notifier:        f.notifier,
		Metrics:         f.metrics,
		Logger:          testLogger(),
		ExamUnlockGrace: 30 * time.Millisecond,
	})
	return f
}

func (f *schedFixture) courseExercise(id int64) *types.Exercise {
	ex := &types.Exercise{ID: id, Title: "dp", CourseID: 7, AssessmentType: types.AssessmentAutomatic}
	f.exercises.put(ex)
	return ex
}

// ============================================================
// Save / Delete Scheduling
// ============================================================

func TestScheduler_SaveSchedulesAllFutureBoundaries(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	now := time.Now()
	ex.ReleaseDate = timePtr(now.Add(time.Hour))
	ex.DueDate = timePtr(now.Add(2 * time.Hour))
	ex.BuildAndTestAfterDue = timePtr(now.Add(3 * time.Hour))
	ex.AssessmentDueDate = timePtr(now.Add(4 * time.Hour))

	f.scheduler.OnExerciseSaved(ctx(), ex)

	for _, lc := range []types.ExerciseLifecycle{
		types.LifecycleRelease,
		types.LifecycleDue,
		types.LifecycleBuildAndTestAfterDue,
		types.LifecycleAssessmentDue,
	} {
		if n := f.registry.LiveExerciseHandles(1, lc); n != 1 {
			t.Errorf("lifecycle %s: expected 1 live handle, got %d", lc, n)
		}
	}
}

func TestScheduler_DoubleSaveLeavesOneHandleSet(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(2 * time.Hour))

	f.scheduler.OnExerciseSaved(ctx(), ex)
	f.scheduler.OnExerciseSaved(ctx(), ex)

	if n := f.registry.LiveExerciseHandles(1, types.LifecycleDue); n != 1 {
		t.Errorf("expected 1 live due handle after double save, got %d", n)
	}
}

func TestScheduler_PastDatesCancelPendingBoundaries(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(2 * time.Hour))
	ex.AllowsComplaints = true // keeps it scheduled even when dates pass

	f.scheduler.OnExerciseSaved(ctx(), ex)
	if n := f.registry.LiveExerciseHandles(1, types.LifecycleDue); n != 1 {
		t.Fatalf("expected 1 due handle, got %d", n)
	}

	// Instructor moves the due date into the past; the pending lock must be
	// retracted, not left to fire.
	ex.DueDate = timePtr(time.Now().Add(-time.Hour))
	f.scheduler.OnExerciseSaved(ctx(), ex)

	if n := f.registry.LiveExerciseHandles(1, types.LifecycleDue); n != 0 {
		t.Errorf("expected due handle cancelled after date moved to past, got %d", n)
	}
}

func TestScheduler_SettledExerciseCancelsEverything(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(2 * time.Hour))

	f.scheduler.OnExerciseSaved(ctx(), ex)

	ex.DueDate = timePtr(time.Now().Add(-time.Hour))
	f.scheduler.OnExerciseSaved(ctx(), ex)

	for _, lc := range []types.ExerciseLifecycle{
		types.LifecycleRelease,
		types.LifecycleDue,
		types.LifecycleBuildAndTestAfterDue,
		types.LifecycleAssessmentDue,
	} {
		if n := f.registry.LiveExerciseHandles(1, lc); n != 0 {
			t.Errorf("lifecycle %s: expected 0 handles for settled exercise, got %d", lc, n)
		}
	}
}

func TestScheduler_DeleteCancelsEverything(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(2 * time.Hour))
	individual := time.Now().Add(3 * time.Hour)
	f.participations.add(1, &types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada", IndividualDueDate: &individual})

	f.scheduler.OnExerciseSaved(ctx(), ex)
	f.scheduler.OnExerciseDeleted(1)

	if n := f.registry.LiveExerciseHandles(1, types.LifecycleDue); n != 0 {
		t.Errorf("due handle survived delete, got %d", n)
	}
	if n := f.registry.LiveParticipationHandles(1, 10, types.ParticipationLifecycleDue); n != 0 {
		t.Errorf("participation handle survived delete, got %d", n)
	}
}

// ============================================================
// Due Date Lock Task
// ============================================================

func TestScheduler_DueTaskLocksParticipationsWithoutIndividualDueDate(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(40 * time.Millisecond))
	f.exercises.testCaseCounts[1] = 2 // hidden-until-due test cases exist
	individual := time.Now().Add(time.Hour)
	f.participations.add(1,
		&types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada"},
		&types.Participation{ID: 11, ExerciseID: 1, StudentLogin: "bob"},
		&types.Participation{ID: 12, ExerciseID: 1, StudentLogin: "eve", IndividualDueDate: &individual},
	)

	f.scheduler.OnExerciseSaved(ctx(), ex)

	if !waitFor(t, 2*time.Second, func() bool { return len(f.repos.lockedIDs()) == 2 }) {
		t.Fatalf("expected 2 locks, got %v", f.repos.lockedIDs())
	}
	for _, id := range f.repos.lockedIDs() {
		if id == 12 {
			t.Error("participation with future individual due date must not be locked at the exercise due date")
		}
	}
	// No rebuild is scheduled, hidden test cases exist: scores recompute.
	if !waitFor(t, time.Second, func() bool { return f.grading.exerciseRecomputeCount() == 1 }) {
		t.Error("expected one exercise-wide score recomputation")
	}
	if len(f.notifier.sent()) != 1 {
		t.Errorf("expected exactly 1 aggregate notification, got %d", len(f.notifier.sent()))
	}
}

func TestScheduler_DueTaskSkipsWhenDateChangedAfterScheduling(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(40 * time.Millisecond))
	f.participations.add(1, &types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada"})

	f.scheduler.OnExerciseSaved(ctx(), ex)

	// The date moves without a reschedule reaching the registry (e.g. a
	// concurrent writer); the fired task must detect the mismatch and no-op.
	moved := *ex
	moved.DueDate = timePtr(time.Now().Add(time.Hour))
	f.exercises.put(&moved)

	time.Sleep(300 * time.Millisecond)
	if got := f.repos.lockedIDs(); len(got) != 0 {
		t.Errorf("stale due task must not lock, locked %v", got)
	}
}

func TestScheduler_DueTaskStashesOnlineEditorChanges(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(40 * time.Millisecond))
	ex.AllowsOnlineEditor = true
	f.participations.add(1, &types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada"})

	f.scheduler.OnExerciseSaved(ctx(), ex)

	if !waitFor(t, 2*time.Second, func() bool {
		f.repos.mu.Lock()
		defer f.repos.mu.Unlock()
		return len(f.repos.stashed) == 1
	}) {
		t.Error("expected online editor changes stashed after the lock")
	}
}

// ============================================================
// Individual Due Dates
// ============================================================

func TestScheduler_GroupedIndividualDueDatesShareOneTimer(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(time.Hour))
	shared := time.Now().Add(50 * time.Millisecond).Truncate(time.Millisecond)
	f.participations.add(1,
		&types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada", IndividualDueDate: &shared},
		&types.Participation{ID: 11, ExerciseID: 1, StudentLogin: "bob", IndividualDueDate: &shared},
		&types.Participation{ID: 12, ExerciseID: 1, StudentLogin: "eve", IndividualDueDate: &shared},
	)

	f.scheduler.OnExerciseSaved(ctx(), ex)

	for _, pID := range []int64{10, 11, 12} {
		if n := f.registry.LiveParticipationHandles(1, pID, types.ParticipationLifecycleDue); n != 1 {
			t.Errorf("participation %d: expected 1 live handle, got %d", pID, n)
		}
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(f.repos.lockedIDs()) == 3 }) {
		t.Fatalf("expected 3 locks from group timer, got %v", f.repos.lockedIDs())
	}
	// One timer means one batch means one aggregate notification.
	time.Sleep(100 * time.Millisecond)
	if n := len(f.notifier.sent()); n != 1 {
		t.Errorf("group of 3 must produce exactly 1 batch notification, got %d", n)
	}
}

func TestScheduler_GroupTimerSkipsMemberWhoseDateMoved(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(time.Hour))
	shared := time.Now().Add(150 * time.Millisecond).Truncate(time.Millisecond)
	pAda := &types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada", IndividualDueDate: &shared}
	pBob := &types.Participation{ID: 11, ExerciseID: 1, StudentLogin: "bob", IndividualDueDate: &shared}
	f.participations.add(1, pAda, pBob)

	f.scheduler.OnExerciseSaved(ctx(), ex)

	// Bob's due date moves out after the group timer was installed; the fire
	// time re-validation must leave him unlocked.
	moved := time.Now().Add(time.Hour)
	f.participations.mu.Lock()
	f.participations.byExercise[1][1] = &types.Participation{ID: 11, ExerciseID: 1, StudentLogin: "bob", IndividualDueDate: &moved}
	f.participations.mu.Unlock()

	if !waitFor(t, 2*time.Second, func() bool { return len(f.repos.lockedIDs()) == 1 }) {
		t.Fatalf("expected only ada locked, got %v", f.repos.lockedIDs())
	}
	if got := f.repos.lockedIDs(); got[0] != 10 {
		t.Errorf("expected participation 10 locked, got %v", got)
	}
}

func TestScheduler_ClearedIndividualDueDateFoldsBack(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.DueDate = timePtr(time.Now().Add(time.Hour))
	individual := time.Now().Add(2 * time.Hour)
	p := &types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada", IndividualDueDate: &individual}
	f.participations.add(1, p)

	f.scheduler.OnExerciseSaved(ctx(), ex)
	if n := f.registry.LiveParticipationHandles(1, 10, types.ParticipationLifecycleDue); n != 1 {
		t.Fatalf("expected dedicated timer for individual due date, got %d", n)
	}

	p.IndividualDueDate = nil
	f.scheduler.OnExerciseSaved(ctx(), ex)

	if n := f.registry.LiveParticipationHandles(1, 10, types.ParticipationLifecycleDue); n != 0 {
		t.Errorf("dedicated timer must be cancelled after the individual due date is cleared, got %d", n)
	}
	if n := f.registry.LiveExerciseHandles(1, types.LifecycleDue); n != 1 {
		t.Errorf("exercise-level due timer must remain, got %d", n)
	}
}

func TestScheduler_ParticipationBuildTaskOnlyBeyondRebuildDate(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	now := time.Now()
	ex.DueDate = timePtr(now.Add(time.Hour))
	ex.BuildAndTestAfterDue = timePtr(now.Add(2 * time.Hour))
	beyond := now.Add(3 * time.Hour)
	before := now.Add(90 * time.Minute)
	f.participations.add(1,
		&types.Participation{ID: 10, ExerciseID: 1, StudentLogin: "ada", IndividualDueDate: &beyond},
		&types.Participation{ID: 11, ExerciseID: 1, StudentLogin: "bob", IndividualDueDate: &before},
	)

	f.scheduler.OnExerciseSaved(ctx(), ex)

	if n := f.registry.LiveParticipationHandles(1, 10, types.ParticipationLifecycleBuildAndTestAfterDue); n != 1 {
		t.Errorf("individual due date beyond rebuild date needs its own build task, got %d", n)
	}
	if n := f.registry.LiveParticipationHandles(1, 11, types.ParticipationLifecycleBuildAndTestAfterDue); n != 0 {
		t.Errorf("individual due date before rebuild date must not get a build task, got %d", n)
	}
}

// ============================================================
// Exam Exercises
// ============================================================

func (f *schedFixture) examFixture(start, end time.Time) (*types.Exercise, *types.Exam) {
	examID := int64(4)
	visible := start.Add(-time.Hour)
	exam := &types.Exam{ID: examID, VisibleDate: &visible, StartDate: &start, EndDate: &end, WorkingTimeSeconds: 3600}
	f.exams.exams[examID] = exam

	ex := &types.Exercise{ID: 5, Title: "exam dp", CourseID: 7, ExamID: &examID, AssessmentType: types.AssessmentAutomatic}
	f.exercises.put(ex)
	f.exams.exerciseIDs[examID] = []int64{5}

	f.exams.studentExams[examID] = []*types.StudentExam{
		{ID: 40, ExamID: examID, StudentLogin: "ada", WorkingTimeSeconds: 3600},
		{ID: 41, ExamID: examID, StudentLogin: "bob", WorkingTimeSeconds: 3600},
	}
	f.participations.add(5,
		&types.Participation{ID: 50, ExerciseID: 5, StudentLogin: "ada", Locked: true},
		&types.Participation{ID: 51, ExerciseID: 5, StudentLogin: "bob", Locked: true},
	)
	return ex, exam
}

func TestScheduler_ExamUnlockAtStartThenLockTimers(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now()
	ex, _ := f.examFixture(now.Add(50*time.Millisecond), now.Add(2*time.Hour))

	f.scheduler.OnExerciseSaved(ctx(), ex)
	if n := f.registry.LiveExerciseHandles(5, types.LifecycleRelease); n != 1 {
		t.Fatalf("expected 1 unlock timer before exam start, got %d", n)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(f.repos.unlockedIDs()) == 2 }) {
		t.Fatalf("expected both repositories unlocked at exam start, got %v", f.repos.unlockedIDs())
	}
	// After the unlock the per-student lock timers derive from working times.
	if !waitFor(t, time.Second, func() bool {
		return f.registry.LiveParticipationHandles(5, 50, types.ParticipationLifecycleDue) == 1 &&
			f.registry.LiveParticipationHandles(5, 51, types.ParticipationLifecycleDue) == 1
	}) {
		t.Error("expected lock timers installed after the exam unlock")
	}
}

func TestScheduler_ExamBackupUnlockDuringConduction(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now()
	// Exam started in the past, still running; simulates a restart that lost
	// the original unlock timer.
	ex, _ := f.examFixture(now.Add(-10*time.Minute), now.Add(time.Hour))

	f.scheduler.OnExerciseSaved(ctx(), ex)

	if n := f.registry.LiveParticipationHandles(5, 50, types.ParticipationLifecycleDue); n != 1 {
		t.Errorf("expected lock timers re-derived during conduction, got %d", n)
	}
	if !waitFor(t, 2*time.Second, func() bool { return len(f.repos.unlockedIDs()) == 2 }) {
		t.Errorf("expected backup unlock to fire shortly after save, got %v", f.repos.unlockedIDs())
	}
}

func TestScheduler_RescheduleStudentExamRegroups(t *testing.T) {
	f := newSchedFixture(t)
	now := time.Now()
	ex, _ := f.examFixture(now.Add(-10*time.Minute), now.Add(2*time.Hour))

	f.scheduler.OnExerciseSaved(ctx(), ex)

	// Ada gets extra working time; her lock timer must move with it.
	f.exams.mu.Lock()
	f.exams.studentExams[4][0].WorkingTimeSeconds = 7200
	f.exams.mu.Unlock()

	if err := f.scheduler.RescheduleStudentExam(ctx(), 40); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := f.registry.LiveParticipationHandles(5, 50, types.ParticipationLifecycleDue); n != 1 {
		t.Errorf("ada must keep exactly one lock timer after regroup, got %d", n)
	}
	if n := f.registry.LiveParticipationHandles(5, 51, types.ParticipationLifecycleDue); n != 1 {
		t.Errorf("bob must keep exactly one lock timer after regroup, got %d", n)
	}
}

func TestScheduler_RescheduleUnknownStudentExamFails(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.scheduler.RescheduleStudentExam(ctx(), 404); err == nil {
		t.Fatal("expected error for unknown student exam")
	}
}

// ============================================================
// Release Warmup
// ============================================================

func TestScheduler_ReleaseWarmupTriggersInstructorBuild(t *testing.T) {
	f := newSchedFixture(t)
	ex := f.courseExercise(1)
	ex.ReleaseDate = timePtr(time.Now().Add(ReleaseWarmupLead + 50*time.Millisecond))

	f.scheduler.OnExerciseSaved(ctx(), ex)

	if !waitFor(t, 2*time.Second, func() bool { return f.builds.instructorBuildCount() == 1 }) {
		t.Error("expected warmup instructor build shortly before the release date")
	}
}

// ============================================================
// Startup
// ============================================================

func TestScheduler_OnStartupSchedulesAndIsolatesFailures(t *testing.T) {
	f := newSchedFixture(t)

	good := f.courseExercise(1)
	good.DueDate = timePtr(time.Now().Add(2 * time.Hour))
	// An exam exercise with a vanished exam must not abort the pass.
	badExamID := int64(99)
	bad := &types.Exercise{ID: 2, Title: "broken", CourseID: 7, ExamID: &badExamID, AssessmentType: types.AssessmentAutomatic}
	f.exercises.put(bad)

	f.exercises.mu.Lock()
	f.exercises.needing = []*types.Exercise{good}
	f.exercises.examEnding = []*types.Exercise{bad}
	f.exercises.mu.Unlock()

	f.scheduler.OnStartup(ctx())

	if n := f.registry.LiveExerciseHandles(1, types.LifecycleDue); n != 1 {
		t.Errorf("expected good exercise scheduled on startup, got %d handles", n)
	}
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if len(f.metrics.scheduled) != 1 {
		t.Fatalf("expected 1 startup metric, got %d", len(f.metrics.scheduled))
	}
}
