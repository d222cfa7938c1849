package types

// ExerciseLifecycle names a future boundary in an exercise's timeline at which
// an automated action must occur.
type ExerciseLifecycle string

const (
	LifecycleRelease              ExerciseLifecycle = "release"
	LifecycleDue                  ExerciseLifecycle = "due"
	LifecycleBuildAndTestAfterDue ExerciseLifecycle = "build_and_test_after_due"
	LifecycleAssessmentDue        ExerciseLifecycle = "assessment_due"
)

// ParticipationLifecycle is the subset of exercise lifecycles that a single
// participation can override with an individual due date.
type ParticipationLifecycle string

const (
	ParticipationLifecycleDue                  ParticipationLifecycle = "due"
	ParticipationLifecycleBuildAndTestAfterDue ParticipationLifecycle = "build_and_test_after_due"
)

// ParticipationLifecycleFor maps an exercise lifecycle to the participation
// lifecycle it subsumes. Cancelling an exercise-level DUE task must also
// cancel all participation-level DUE tasks, so the registry uses this mapping
// to cascade cancellations structurally.
func ParticipationLifecycleFor(lifecycle ExerciseLifecycle) (ParticipationLifecycle, bool) {
	switch lifecycle {
	case LifecycleDue:
		return ParticipationLifecycleDue, true
	case LifecycleBuildAndTestAfterDue:
		return ParticipationLifecycleBuildAndTestAfterDue, true
	default:
		return "", false
	}
}

// AssessmentType describes how submissions for an exercise are assessed.
type AssessmentType string

const (
	AssessmentAutomatic     AssessmentType = "automatic"
	AssessmentSemiAutomatic AssessmentType = "semi_automatic"
	AssessmentManual        AssessmentType = "manual"
)

// LifecycleState is the conceptual scheduling state of an exercise, computed
// on demand from its dates. It is never persisted.
type LifecycleState string

const (
	StateUnscheduled         LifecycleState = "unscheduled"
	StateReleasePending      LifecycleState = "release_pending"
	StateDuePending          LifecycleState = "due_pending"
	StateBuildAfterDuePending LifecycleState = "build_after_due_pending"
	StateAssessmentPending   LifecycleState = "assessment_pending"
	StateSettled             LifecycleState = "settled"
)
