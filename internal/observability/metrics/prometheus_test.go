package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActionsHandled.WithLabelValues(OutcomeOK).Inc()
	m.ActionsHandled.WithLabelValues(OutcomeOK).Inc()
	m.PrescriptionsCreated.Inc()

	if got := testutil.ToFloat64(m.ActionsHandled.WithLabelValues(OutcomeOK)); got != 2 {
		t.Fatalf("ok actions = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"bot_actions_handled_total", "prescriptions_created_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}
