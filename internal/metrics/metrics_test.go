package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)

	Reconciliations.WithLabelValues("fresh").Inc()
	if got := testutil.ToFloat64(Reconciliations.WithLabelValues("fresh")); got < 1 {
		t.Fatalf("expected counter to be incremented, got %v", got)
	}

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "marketd_reconciliations_total") {
		t.Fatalf("expected reconciliation counter in output")
	}
}
