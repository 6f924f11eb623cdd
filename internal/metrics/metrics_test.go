package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersCollectorsAndServesThem(t *testing.T) {
	m, handler := New("coreagent")
	m.JobsTotal.WithLabelValues("success").Inc()
	m.QueueDepth.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "coreagent_jobs_total") {
		t.Fatalf("expected jobs_total in scrape output, got: %s", body)
	}
	if !strings.Contains(body, "coreagent_queue_depth 3") {
		t.Fatalf("expected queue_depth value in scrape output, got: %s", body)
	}
}
