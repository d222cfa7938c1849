package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courseops/internal/config"
	"courseops/internal/types"
)

type mockSQS struct {
	mu     sync.Mutex
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func (m *mockSQS) last(t *testing.T) *sqs.SendMessageInput {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.inputs)
	return m.inputs[len(m.inputs)-1]
}

func queueTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testAWSConfig() config.AWSConfig {
	return config.AWSConfig{
		Region:               "eu-central-1",
		BuildQueueURL:        "https://sqs.example.com/builds",
		GradingQueueURL:      "https://sqs.example.com/grading",
		NotificationQueueURL: "https://sqs.example.com/notifications",
	}
}

// ============================================================
// BuildTrigger Tests
// ============================================================

func TestBuildTrigger_TriggerBuild(t *testing.T) {
	client := &mockSQS{}
	trigger := NewBuildTrigger(client, testAWSConfig(), queueTestLogger())

	err := trigger.TriggerBuild(context.Background(), []int64{10, 11})
	require.NoError(t, err)

	input := client.last(t)
	assert.Equal(t, "https://sqs.example.com/builds", *input.QueueUrl)

	var msg types.BuildMessage
	require.NoError(t, json.Unmarshal([]byte(*input.MessageBody), &msg))
	assert.Equal(t, types.BuildScopeParticipations, msg.Scope)
	assert.Equal(t, []int64{10, 11}, msg.ParticipationIDs)
	assert.NotEmpty(t, msg.TriggerID)
	assert.NotEmpty(t, msg.TraceID)
}

func TestBuildTrigger_TriggerInstructorBuild(t *testing.T) {
	client := &mockSQS{}
	trigger := NewBuildTrigger(client, testAWSConfig(), queueTestLogger())

	err := trigger.TriggerInstructorBuild(context.Background(), 1)
	require.NoError(t, err)

	var msg types.BuildMessage
	require.NoError(t, json.Unmarshal([]byte(*client.last(t).MessageBody), &msg))
	assert.Equal(t, types.BuildScopeInstructor, msg.Scope)
	assert.Equal(t, int64(1), msg.ExerciseID)
	assert.Empty(t, msg.ParticipationIDs)
}

func TestBuildTrigger_SendFailureMapsToUpstreamError(t *testing.T) {
	client := &mockSQS{err: errors.New("sqs unavailable")}
	trigger := NewBuildTrigger(client, testAWSConfig(), queueTestLogger())

	err := trigger.TriggerBuild(context.Background(), []int64{10})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamQueue, appErr.Code)
}

func TestBuildTrigger_PropagatesTraceID(t *testing.T) {
	client := &mockSQS{}
	trigger := NewBuildTrigger(client, testAWSConfig(), queueTestLogger())

	ctx := types.WithTraceID(context.Background(), "trace-42")
	require.NoError(t, trigger.TriggerInstructorBuild(ctx, 1))

	var msg types.BuildMessage
	require.NoError(t, json.Unmarshal([]byte(*client.last(t).MessageBody), &msg))
	assert.Equal(t, "trace-42", msg.TraceID)
}

// ============================================================
// GradeTrigger Tests
// ============================================================

func TestGradeTrigger_RecomputeResults(t *testing.T) {
	client := &mockSQS{}
	trigger := NewGradeTrigger(client, testAWSConfig(), queueTestLogger())

	err := trigger.RecomputeResults(context.Background(), 1)
	require.NoError(t, err)

	input := client.last(t)
	assert.Equal(t, "https://sqs.example.com/grading", *input.QueueUrl)

	var msg types.GradeMessage
	require.NoError(t, json.Unmarshal([]byte(*input.MessageBody), &msg))
	assert.Equal(t, int64(1), msg.ExerciseID)
	assert.Nil(t, msg.ParticipationID)
	assert.Equal(t, "due date passed", msg.Reason)
}

func TestGradeTrigger_RecomputeParticipationResults(t *testing.T) {
	client := &mockSQS{}
	trigger := NewGradeTrigger(client, testAWSConfig(), queueTestLogger())

	err := trigger.RecomputeParticipationResults(context.Background(), 10)
	require.NoError(t, err)

	var msg types.GradeMessage
	require.NoError(t, json.Unmarshal([]byte(*client.last(t).MessageBody), &msg))
	require.NotNil(t, msg.ParticipationID)
	assert.Equal(t, int64(10), *msg.ParticipationID)
	assert.Equal(t, "individual due date passed", msg.Reason)
}

// ============================================================
// Notifier Tests
// ============================================================

func TestNotifier_NotifyInstructors(t *testing.T) {
	client := &mockSQS{}
	notifier := NewNotifier(client, testAWSConfig(), queueTestLogger())

	exercise := &types.Exercise{ID: 1, Title: "sorting", CourseID: 7}
	err := notifier.NotifyInstructors(context.Background(), exercise, "lock failed for 3 participations")
	require.NoError(t, err)

	input := client.last(t)
	assert.Equal(t, "https://sqs.example.com/notifications", *input.QueueUrl)

	var msg types.InstructorNotification
	require.NoError(t, json.Unmarshal([]byte(*input.MessageBody), &msg))
	assert.Equal(t, int64(7), msg.CourseID)
	assert.Equal(t, int64(1), msg.ExerciseID)
	assert.Equal(t, "sorting", msg.Title)
	assert.Equal(t, "lock failed for 3 participations", msg.Summary)
}

func TestNotifier_SendFailureMapsToUpstreamError(t *testing.T) {
	client := &mockSQS{err: errors.New("sqs unavailable")}
	notifier := NewNotifier(client, testAWSConfig(), queueTestLogger())

	err := notifier.NotifyInstructors(context.Background(), &types.Exercise{ID: 1}, "summary")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamQueue, appErr.Code)
}
