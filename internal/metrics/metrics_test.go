package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestObserveToolExposed(t *testing.T) {
	s := New()
	s.ObserveTool("get_crew_status", "ok", 12*time.Millisecond)
	s.ObserveTool("get_crew_status", "ok", 3*time.Millisecond)
	s.ObserveTool("create_evolving_crew", "invalid", time.Millisecond)
	s.RecordRateLimited()
	s.SetWorkflowStates(map[string]int{"executing": 2, "completed": 7})
	s.SetPoolOccupancy(2)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`cohort_tool_calls_total{outcome="ok",tool="get_crew_status"} 2`,
		`cohort_tool_calls_total{outcome="invalid",tool="create_evolving_crew"} 1`,
		`cohort_workflows{state="executing"} 2`,
		`cohort_worker_pool_occupancy 2`,
		`cohort_rate_limited_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if !strings.Contains(body, "cohort_tool_latency_seconds_count") {
		t.Error("latency histogram not exposed")
	}
}

func TestWorkflowGaugeReset(t *testing.T) {
	s := New()
	s.SetWorkflowStates(map[string]int{"executing": 3})
	s.SetWorkflowStates(map[string]int{"completed": 1})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if strings.Contains(body, `cohort_workflows{state="executing"}`) {
		t.Error("stale state series survived the reset")
	}
	if !strings.Contains(body, `cohort_workflows{state="completed"} 1`) {
		t.Error("fresh state series missing")
	}
}

func TestEvolutionCounterLabels(t *testing.T) {
	s := New()
	s.RecordEvolution("personality_drift")
	s.RecordEvolution("personality_drift")
	s.RecordEvolution("radical_transformation")

	families, err := s.Gather().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var fam *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "cohort_evolutions_total" {
			fam = f
		}
	}
	if fam == nil {
		t.Fatal("cohort_evolutions_total not gathered")
	}
	if fam.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("type = %v, want counter", fam.GetType())
	}
	got := map[string]float64{}
	for _, m := range fam.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "strategy" {
				got[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	if got["personality_drift"] != 2 || got["radical_transformation"] != 1 {
		t.Fatalf("counts = %v", got)
	}
}
