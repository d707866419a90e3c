package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	Init()

	before := testutil.ToFloat64(snapshotsWritten.WithLabelValues("okx"))
	RecordSnapshots("okx", 3)
	if got := testutil.ToFloat64(snapshotsWritten.WithLabelValues("okx")) - before; got != 3 {
		t.Fatalf("expected 3 snapshots, got %v", got)
	}

	SetConnectorState("okx", "running")
	if v := testutil.ToFloat64(connectorState.WithLabelValues("okx", "running")); v != 1 {
		t.Fatalf("running gauge %v", v)
	}
	SetConnectorState("okx", "error")
	if v := testutil.ToFloat64(connectorState.WithLabelValues("okx", "running")); v != 0 {
		t.Fatalf("running gauge not cleared: %v", v)
	}

	errBefore := testutil.ToFloat64(jobRuns.WithLabelValues("minute_rollup", "error"))
	RecordJob("minute_rollup", errors.New("boom"))
	if got := testutil.ToFloat64(jobRuns.WithLabelValues("minute_rollup", "error")) - errBefore; got != 1 {
		t.Fatalf("job error not counted: %v", got)
	}

	ObservePass("minute", 10, 2, time.Millisecond)
}
