package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsEndpoint = "0.0.0.0:9090"
)

var (
	EventsCounter *prometheus.CounterVec

	StageOutcomeCounter    *prometheus.CounterVec
	StageRunTimeSummary    *prometheus.SummaryVec
	TransitionCounter      *prometheus.CounterVec
	DeadLetterCounter      *prometheus.CounterVec
	LeasesIngestedCounter  *prometheus.CounterVec
	CallbackRequestCounter *prometheus.CounterVec

	BMCQueryErrorCount       *prometheus.CounterVec
	InventoryQueryErrorCount *prometheus.CounterVec

	MonitoringPollCounter    *prometheus.CounterVec
	MonitoringCycleRunTime   prometheus.Summary
	HardeningRunTimeSummary  *prometheus.SummaryVec
	QueueConsumeErrorCounter *prometheus.CounterVec
)

func init() {
	EventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_events_received",
			Help: "A counter metric to measure the total count of events received",
		},
		[]string{"stage", "valid", "response"}, // valid is true/false, response is ack/retry/dead_letter/skip
	)

	StageOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_stage_events_processed",
			Help: "A counter metric to measure the total count of events processed by a stage, by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bmpipe_stage_event_duration_seconds",
			Help: "A summary metric to measure the total time spent processing each event",
		},
		[]string{"stage", "outcome"},
	)

	TransitionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_lifecycle_transitions",
			Help: "A counter metric to measure the lifecycle state writes made",
		},
		[]string{"from", "to"},
	)

	DeadLetterCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_dead_letter_events",
			Help: "A counter metric to measure events that exceeded their retry budget",
		},
		[]string{"stage"},
	)

	LeasesIngestedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_leases_ingested",
			Help: "A counter metric to measure the DHCP lease observations read, by result",
		},
		[]string{"source", "result"},
	)

	CallbackRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_validation_callbacks",
			Help: "A counter metric to measure validation callback requests, by response code",
		},
		[]string{"code"},
	)

	BMCQueryErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_bmc_query_error_count",
			Help: "A counter metric to measure the total count of errors querying device management controllers.",
		},
		[]string{"vendor", "method"},
	)

	InventoryQueryErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_inventory_query_error_count",
			Help: "A counter metric to measure the total count of errors querying the inventory.",
		},
		[]string{"method"},
	)

	MonitoringPollCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_monitoring_polls",
			Help: "A counter metric to measure monitoring device polls, by result",
		},
		[]string{"result"},
	)

	MonitoringCycleRunTime = promauto.NewSummary(
		prometheus.SummaryOpts{
			Name: "bmpipe_monitoring_cycle_duration_seconds",
			Help: "A summary metric to measure the time spent in each monitoring poll cycle",
		},
	)

	HardeningRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bmpipe_hardening_run_duration_seconds",
			Help: "A summary metric to measure the configuration runner wall clock time",
		},
		[]string{"result"},
	)

	QueueConsumeErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpipe_queue_consume_errors",
			Help: "A counter metric to measure message queue consume errors",
		},
		[]string{"queue"},
	)
}

// ListenAndServe exposes prometheus metrics as /metrics
func ListenAndServe(endpoint string) {
	if endpoint == "" {
		endpoint = MetricsEndpoint
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              endpoint,
			Handler:           mux,
			ReadHeaderTimeout: 2 * time.Second, // nolint:gomnd // time duration value is clear as is.
		}

		if err := server.ListenAndServe(); err != nil {
			log.Println(err)
		}
	}()
}

// ObserveTransition records a lifecycle state write.
func ObserveTransition(from, to string) {
	TransitionCounter.WithLabelValues(from, to).Inc()
}
