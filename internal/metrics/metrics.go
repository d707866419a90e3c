// Registers:
//
//	#fundingflow_snapshots_written_total{exchange}
//	#fundingflow_connector_errors_total{exchange,kind}
//	#fundingflow_connector_restarts_total{exchange}
//	#fundingflow_connector_reconnects_total{exchange}
//	#fundingflow_connector_state{exchange,state}
//	#fundingflow_aggregation_rows_total{pass,kind}
//	#fundingflow_aggregation_duration_seconds{pass}
//	#fundingflow_job_runs_total{job,result}
//	#fundingflow_hour_buckets_copied_total{mode,result}
//	#fundingflow_archive_objects_total
//	#go_* and process_* system metrics
//
// Serve exposes them on /metrics using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundingflow/logger"
)

var (
	once sync.Once

	snapshotsWritten   *prometheus.CounterVec
	connectorErrors    *prometheus.CounterVec
	connectorRestarts  *prometheus.CounterVec
	connectorReconnect *prometheus.CounterVec
	connectorState     *prometheus.GaugeVec
	aggregationRows    *prometheus.CounterVec
	aggregationLatency *prometheus.HistogramVec
	jobRuns            *prometheus.CounterVec
	bucketsCopied      *prometheus.CounterVec
	archiveObjects     prometheus.Counter
)

var connectorStates = []string{"stopped", "starting", "running", "error", "restarting"}

// Init creates and registers the collectors. Record functions are no-ops
// until it runs.
func Init() {
	once.Do(func() {
		snapshotsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_snapshots_written_total",
			Help: "Raw snapshots written by connectors",
		}, []string{"exchange"})
		connectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_connector_errors_total",
			Help: "Connector failures by kind (io, payload, write)",
		}, []string{"exchange", "kind"})
		connectorRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_connector_restarts_total",
			Help: "Full connector rebuilds and supervisor restarts",
		}, []string{"exchange"})
		connectorReconnect = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_connector_reconnects_total",
			Help: "Session reconnects including planned rotations",
		}, []string{"exchange"})
		connectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fundingflow_connector_state",
			Help: "1 for the current state of each connector",
		}, []string{"exchange", "state"})
		aggregationRows = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_aggregation_rows_total",
			Help: "Rows consumed and buckets written per aggregation pass",
		}, []string{"pass", "kind"})
		aggregationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fundingflow_aggregation_duration_seconds",
			Help:    "Aggregation pass duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"pass"})
		jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_job_runs_total",
			Help: "Scheduled job runs by result",
		}, []string{"job", "result"})
		bucketsCopied = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_hour_buckets_copied_total",
			Help: "Hour buckets handled by import and replica sync",
		}, []string{"mode", "result"})
		archiveObjects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundingflow_archive_objects_total",
			Help: "Parquet objects uploaded to S3",
		})

		_ = prometheus.Register(snapshotsWritten)
		_ = prometheus.Register(connectorErrors)
		_ = prometheus.Register(connectorRestarts)
		_ = prometheus.Register(connectorReconnect)
		_ = prometheus.Register(connectorState)
		_ = prometheus.Register(aggregationRows)
		_ = prometheus.Register(aggregationLatency)
		_ = prometheus.Register(jobRuns)
		_ = prometheus.Register(bucketsCopied)
		_ = prometheus.Register(archiveObjects)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Serve starts the /metrics endpoint on addr and shuts it down when ctx
// ends.
func Serve(ctx context.Context, addr string) *http.Server {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log := logger.GetLogger().WithComponent("metrics")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	log.WithFields(logger.Fields{"address": addr}).Info("metrics endpoint listening")
	return srv
}

func RecordSnapshots(exchange string, n int) {
	if snapshotsWritten != nil {
		snapshotsWritten.WithLabelValues(exchange).Add(float64(n))
	}
	emit("connector", "SnapshotsWritten", n, logger.Fields{"exchange": exchange})
}

func RecordConnectorError(exchange, kind string) {
	if connectorErrors != nil {
		connectorErrors.WithLabelValues(exchange, kind).Inc()
	}
	emit("connector", "ConnectorErrors", 1, logger.Fields{"exchange": exchange, "kind": kind})
}

func RecordRestart(exchange string) {
	if connectorRestarts != nil {
		connectorRestarts.WithLabelValues(exchange).Inc()
	}
	emit("connector", "ConnectorRestarts", 1, logger.Fields{"exchange": exchange})
}

func RecordReconnect(exchange string) {
	if connectorReconnect != nil {
		connectorReconnect.WithLabelValues(exchange).Inc()
	}
}

func SetConnectorState(exchange, state string) {
	if connectorState == nil {
		return
	}
	for _, s := range connectorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectorState.WithLabelValues(exchange, s).Set(v)
	}
}

// ObservePass records one aggregation pass.
func ObservePass(pass string, consumed, written int, d time.Duration) {
	if aggregationRows != nil {
		aggregationRows.WithLabelValues(pass, "consumed").Add(float64(consumed))
		aggregationRows.WithLabelValues(pass, "written").Add(float64(written))
		aggregationLatency.WithLabelValues(pass).Observe(d.Seconds())
	}
	emit("aggregator", "RowsConsumed", consumed, logger.Fields{"pass": pass})
}

func RecordJob(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if jobRuns != nil {
		jobRuns.WithLabelValues(job, result).Inc()
	}
	if err != nil {
		emit("scheduler", "JobErrors", 1, logger.Fields{"job": job})
	}
}

func RecordCopied(mode string, written, skipped int) {
	if bucketsCopied != nil {
		bucketsCopied.WithLabelValues(mode, "written").Add(float64(written))
		bucketsCopied.WithLabelValues(mode, "skipped").Add(float64(skipped))
	}
	emit("backfill", "HourBucketsCopied", written, logger.Fields{"mode": mode})
}

func RecordArchive(objects int) {
	if archiveObjects != nil {
		archiveObjects.Add(float64(objects))
	}
	emit("archive", "ArchiveObjects", objects, nil)
}
