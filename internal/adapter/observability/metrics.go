package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_admitted_total",
			Help: "Total number of jobs admitted by the fair scheduler",
		},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently supervised by this worker",
		},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of jobs finished, by terminal status",
		},
		[]string{"status"},
	)
	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Jobs waiting in the fair scheduler's global FIFO",
		},
	)

	AttemptsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attempts_started_total",
			Help: "Total number of attempt drivers launched",
		},
	)
	AttemptsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attempts_finished_total",
			Help: "Total number of attempts finished, by outcome",
		},
		[]string{"outcome"},
	)
	AttemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attempt_failures_total",
			Help: "Attempt failures by class (TimeoutError, RateLimitError, CancellationError, ExecutionError)",
		},
		[]string{"class"},
	)
	// Agent runs span seconds to half an hour; buckets follow that range.
	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attempt_duration_seconds",
			Help:    "Attempt wall-clock duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 2400},
		},
	)

	AgentProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_processes",
			Help: "Live agent subprocesses spawned by this worker",
		},
	)
	LogUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "log_uploads_total",
			Help: "Periodic agent log uploads, by result",
		},
		[]string{"result"},
	)
	StorePollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "store_polls_total",
			Help: "Total number of queued-job poll iterations",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsAdmittedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(SchedulerQueueDepth)
	prometheus.MustRegister(AttemptsStartedTotal)
	prometheus.MustRegister(AttemptsFinishedTotal)
	prometheus.MustRegister(AttemptFailuresTotal)
	prometheus.MustRegister(AttemptDuration)
	prometheus.MustRegister(AgentProcesses)
	prometheus.MustRegister(LogUploadsTotal)
	prometheus.MustRegister(StorePollsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func AdmitJob() {
	JobsAdmittedTotal.Inc()
	JobsRunning.Inc()
}

func FinishJob(status string) {
	JobsRunning.Dec()
	JobsFinishedTotal.WithLabelValues(status).Inc()
}

func StartAttempt() {
	AttemptsStartedTotal.Inc()
}

func FinishAttempt(outcome string, seconds float64) {
	AttemptsFinishedTotal.WithLabelValues(outcome).Inc()
	AttemptDuration.Observe(seconds)
}

func FailAttempt(class string) {
	AttemptFailuresTotal.WithLabelValues(class).Inc()
}

func AgentStarted() { AgentProcesses.Inc() }
func AgentExited()  { AgentProcesses.Dec() }

func LogUpload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	LogUploadsTotal.WithLabelValues(result).Inc()
}
