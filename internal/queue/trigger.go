// Package queue provides SQS-based message producers for dispatching build,
// grading, and notification payloads to downstream workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"courseops/internal/config"
	"courseops/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// traceID reuses the trace already on the context so logs correlate across
// the queue boundary, minting a fresh one otherwise.
func traceID(ctx context.Context) string {
	if id := types.GetTraceID(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}

func send(ctx context.Context, client SQSSender, queueURL string, body []byte, reason string) error {
	_, err := client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send message to %s", queueURL), err)
	}
	return nil
}

// ============================================================
// BuildTrigger
// ============================================================

// BuildTrigger enqueues build requests for the continuous-integration
// workers.
type BuildTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewBuildTrigger creates a BuildTrigger reading its queue URL from the AWS
// configuration.
func NewBuildTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *BuildTrigger {
	return &BuildTrigger{
		client:   client,
		queueURL: awsCfg.BuildQueueURL,
		logger:   logger,
	}
}

// TriggerBuild enqueues a rebuild of the given student submissions. Used for
// individual due dates that lie beyond the exercise-wide rebuild date.
func (t *BuildTrigger) TriggerBuild(ctx context.Context, participationIDs []int64) error {
	msg := types.BuildMessage{
		TriggerID:        uuid.New().String(),
		TraceID:          traceID(ctx),
		Scope:            types.BuildScopeParticipations,
		ParticipationIDs: participationIDs,
		EnqueuedAt:       time.Now().UTC(),
	}
	return t.send(ctx, msg, "scheduled participation rebuild")
}

// TriggerInstructorBuild enqueues a rebuild of every submission of the
// exercise against the instructor's test repository. Used at the
// build-and-test date and for the pre-release template warmup.
func (t *BuildTrigger) TriggerInstructorBuild(ctx context.Context, exerciseID int64) error {
	msg := types.BuildMessage{
		TriggerID:  uuid.New().String(),
		TraceID:    traceID(ctx),
		Scope:      types.BuildScopeInstructor,
		ExerciseID: exerciseID,
		EnqueuedAt: time.Now().UTC(),
	}
	return t.send(ctx, msg, "scheduled instructor build")
}

func (t *BuildTrigger) send(ctx context.Context, msg types.BuildMessage, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal BuildMessage: %w", err)
	}
	if err := send(ctx, t.client, t.queueURL, body, reason); err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "build message sent",
		"queue_url", t.queueURL,
		"trigger_id", msg.TriggerID,
		"trace_id", msg.TraceID,
		"scope", string(msg.Scope),
		"exercise_id", msg.ExerciseID,
		"participations", len(msg.ParticipationIDs),
		"reason", reason,
	)
	return nil
}

// ============================================================
// GradeTrigger
// ============================================================

// GradeTrigger enqueues score recomputation requests for the grading
// workers. Recomputation makes results of test cases hidden until the due
// date visible without running new builds.
type GradeTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewGradeTrigger creates a GradeTrigger reading its queue URL from the AWS
// configuration.
func NewGradeTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *GradeTrigger {
	return &GradeTrigger{
		client:   client,
		queueURL: awsCfg.GradingQueueURL,
		logger:   logger,
	}
}

// RecomputeResults requests recomputation for every participation of the
// exercise without an individual due date.
func (t *GradeTrigger) RecomputeResults(ctx context.Context, exerciseID int64) error {
	msg := types.GradeMessage{
		TraceID:    traceID(ctx),
		ExerciseID: exerciseID,
		Reason:     "due date passed",
		EnqueuedAt: time.Now().UTC(),
	}
	return t.send(ctx, msg)
}

// RecomputeParticipationResults requests recomputation for one participation
// whose individual due date passed.
func (t *GradeTrigger) RecomputeParticipationResults(ctx context.Context, participationID int64) error {
	msg := types.GradeMessage{
		TraceID:         traceID(ctx),
		ParticipationID: &participationID,
		Reason:          "individual due date passed",
		EnqueuedAt:      time.Now().UTC(),
	}
	return t.send(ctx, msg)
}

func (t *GradeTrigger) send(ctx context.Context, msg types.GradeMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal GradeMessage: %w", err)
	}
	if err := send(ctx, t.client, t.queueURL, body, msg.Reason); err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "grade message sent",
		"queue_url", t.queueURL,
		"trace_id", msg.TraceID,
		"exercise_id", msg.ExerciseID,
		"reason", msg.Reason,
	)
	return nil
}

// ============================================================
// Notifier
// ============================================================

// Notifier enqueues aggregate instructor notifications for the notification
// workers. The scheduler sends exactly one summary per batch operation, never
// one per student.
type Notifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewNotifier creates a Notifier reading its queue URL from the AWS
// configuration.
func NewNotifier(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		client:   client,
		queueURL: awsCfg.NotificationQueueURL,
		logger:   logger,
	}
}

// NotifyInstructors enqueues one aggregate notification for the instructors
// of the exercise's course.
func (n *Notifier) NotifyInstructors(ctx context.Context, exercise *types.Exercise, summary string) error {
	msg := types.InstructorNotification{
		TraceID:    traceID(ctx),
		CourseID:   exercise.CourseID,
		ExerciseID: exercise.ID,
		Title:      exercise.Title,
		Summary:    summary,
		EnqueuedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal InstructorNotification: %w", err)
	}
	if err := send(ctx, n.client, n.queueURL, body, "batch operation summary"); err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "instructor notification sent",
		"queue_url", n.queueURL,
		"trace_id", msg.TraceID,
		"exercise_id", msg.ExerciseID,
		"course_id", msg.CourseID,
	)
	return nil
}
