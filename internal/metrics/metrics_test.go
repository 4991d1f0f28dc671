package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstancesDoNotShareRegistry(t *testing.T) {
	first := New()
	second := New()

	first.VersionCreated("User_Edit", false)
	first.VersionCreated("What_If", true)
	second.VersionCreated("User_Edit", false)

	if got := testutil.ToFloat64(first.VersionsCreated.WithLabelValues("User_Edit", "mainline")); got != 1 {
		t.Fatalf("first mainline count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(first.VersionsCreated.WithLabelValues("What_If", "branch")); got != 1 {
		t.Fatalf("first branch count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(second.VersionsCreated.WithLabelValues("User_Edit", "mainline")); got != 1 {
		t.Fatalf("second mainline count = %v, want 1", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.VersionCreated("Major", false)
	m.SideEffectFailed("notify")
	m.ObserveReasoning("what_if", "ok", time.Second)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveReasoning("what_if", "timeout", 2*time.Second)
	m.SideEffectFailed("notify")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	for _, name := range []string{
		"scenariolab_reasoning_calls_total",
		"scenariolab_side_effect_failures_total",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
