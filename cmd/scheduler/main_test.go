package main

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// --- Mock CloudWatch API ---

type mockCloudWatchAPI struct {
	calls    []mockPutMetricCall
	failNext bool
}

type mockPutMetricCall struct {
	namespace string
	data      []cwTypes.MetricDatum
}

func (m *mockCloudWatchAPI) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if m.failNext {
		m.failNext = false
		return nil, fmt.Errorf("simulated CloudWatch API failure")
	}
	m.calls = append(m.calls, mockPutMetricCall{
		namespace: aws.ToString(params.Namespace),
		data:      params.MetricData,
	})
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// --- Tests ---

func TestLiveMetricPublisher_RecordBatchResult(t *testing.T) {
	cw := &mockCloudWatchAPI{}
	p := &liveMetricPublisher{client: cw, namespace: "CourseOps/Scheduler", logger: slog.Default()}

	p.RecordBatchResult("lock_repositories", 7, 3)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	call := cw.calls[0]
	if call.namespace != "CourseOps/Scheduler" {
		t.Errorf("unexpected namespace: %s", call.namespace)
	}
	if len(call.data) != 2 {
		t.Fatalf("expected 2 metric data points, got %d", len(call.data))
	}
	byName := map[string]cwTypes.MetricDatum{}
	for _, d := range call.data {
		byName[aws.ToString(d.MetricName)] = d
	}
	if got := aws.ToFloat64(byName["BatchItemsSucceeded"].Value); got != 7 {
		t.Errorf("expected 7 succeeded, got %v", got)
	}
	if got := aws.ToFloat64(byName["BatchItemsFailed"].Value); got != 3 {
		t.Errorf("expected 3 failed, got %v", got)
	}
	dims := byName["BatchItemsSucceeded"].Dimensions
	if len(dims) != 1 || aws.ToString(dims[0].Value) != "lock_repositories" {
		t.Errorf("expected Operation dimension, got %v", dims)
	}
}

func TestLiveMetricPublisher_RecordScheduledExercises(t *testing.T) {
	cw := &mockCloudWatchAPI{}
	p := &liveMetricPublisher{client: cw, namespace: "CourseOps/Scheduler", logger: slog.Default()}

	p.RecordScheduledExercises(42)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	datum := cw.calls[0].data[0]
	if aws.ToString(datum.MetricName) != "ScheduledExercises" {
		t.Errorf("unexpected metric name: %s", aws.ToString(datum.MetricName))
	}
	if aws.ToFloat64(datum.Value) != 42 {
		t.Errorf("expected value 42, got %v", aws.ToFloat64(datum.Value))
	}
}

func TestLiveMetricPublisher_SwallowsPublishFailure(t *testing.T) {
	cw := &mockCloudWatchAPI{failNext: true}
	p := &liveMetricPublisher{client: cw, namespace: "CourseOps/Scheduler", logger: slog.Default()}

	// Must not panic; telemetry loss never fails the caller.
	p.RecordBatchResult("unlock_repositories", 1, 0)

	if len(cw.calls) != 0 {
		t.Errorf("expected no recorded calls after failure, got %d", len(cw.calls))
	}
}

func TestNewLogger_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if logger := newLogger(level); logger == nil {
			t.Errorf("newLogger(%q) returned nil", level)
		}
	}
}
