package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestWorkerMetricsHelpers(t *testing.T) {
	InitMetrics()
	AdmitJob()
	StartAttempt()
	FinishAttempt("success", 12.5)
	FailAttempt("TimeoutError")
	FinishJob("completed")
	AgentStarted()
	AgentExited()
	LogUpload(true)
	LogUpload(false)
	SchedulerQueueDepth.Set(3)
	StorePollsTotal.Inc()
}
