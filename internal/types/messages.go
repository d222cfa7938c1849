package types

import "time"

// Message payloads exchanged with downstream workers over SQS. All messages
// carry a trace ID for log correlation across the queue boundary.

// BuildScope selects which repositories a build message targets.
type BuildScope string

const (
	// BuildScopeParticipations rebuilds the listed student submissions.
	BuildScopeParticipations BuildScope = "participations"
	// BuildScopeInstructor rebuilds every submission of the exercise against
	// the instructor's test repository.
	BuildScopeInstructor BuildScope = "instructor"
)

// BuildMessage asks the continuous-integration workers to run builds.
type BuildMessage struct {
	TriggerID        string     `json:"trigger_id"`
	TraceID          string     `json:"trace_id"`
	Scope            BuildScope `json:"scope"`
	ExerciseID       int64      `json:"exercise_id,omitempty"`
	ParticipationIDs []int64    `json:"participation_ids,omitempty"`
	EnqueuedAt       time.Time  `json:"enqueued_at"`
}

// GradeMessage asks the grading workers to recompute scores. When
// ParticipationID is nil the whole exercise is recomputed.
type GradeMessage struct {
	TraceID         string    `json:"trace_id"`
	ExerciseID      int64     `json:"exercise_id,omitempty"`
	ParticipationID *int64    `json:"participation_id,omitempty"`
	Reason          string    `json:"reason"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// InstructorNotification carries one aggregate summary for the instructors of
// a course, delivered by the notification workers.
type InstructorNotification struct {
	TraceID    string    `json:"trace_id"`
	CourseID   int64     `json:"course_id"`
	ExerciseID int64     `json:"exercise_id"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
