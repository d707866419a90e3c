package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fundingflow/logger"
)

func TestPublishMetricDatumThrottlesToInterval(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "FundingFlow"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }
	t.Cleanup(func() { timeNow = time.Now })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		copyData := make([]cwtypes.MetricDatum, len(data))
		copy(copyData, data)
		batches = append(batches, copyData)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	metric := Metric{Component: "connector", Name: "SnapshotsWritten", Fields: logger.Fields{"exchange": "okx"}}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(25 * time.Millisecond) }
	publishMetricDatum(metric, 2)

	if len(batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(batches))
	}
	datum := batches[0][0]
	if datum.MetricName == nil || *datum.MetricName != "SnapshotsWritten" {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 1 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
	if len(datum.Dimensions) != 2 || *datum.Dimensions[1].Name != "exchange" {
		t.Fatalf("unexpected dimensions: %+v", datum.Dimensions)
	}

	timeNow = func() time.Time { return baseTime.Add(80 * time.Millisecond) }
	publishMetricDatum(metric, 4)
	if len(batches) != 2 {
		t.Fatalf("expected second publish, got %d", len(batches))
	}
	if v := *batches[1][0].Value; v != 6 {
		t.Fatalf("expected accumulated value 6, got %v", v)
	}
}

func TestPublishWithoutClientIsNoop(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(Metric{Component: "x", Name: "y"}, 1)
	if called {
		t.Fatal("published without a client")
	}
}

func TestRenderDashboard(t *testing.T) {
	body, err := renderDashboard("Prod/Funding", "eu-west-1")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if _, ok := doc["widgets"]; !ok {
		t.Fatal("widgets missing")
	}
}
