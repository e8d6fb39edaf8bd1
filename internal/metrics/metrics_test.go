package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRenderIncludesCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("access_job_runs_total", map[string]string{"job": "session_expiry_sweep", "status": "ok"})
	r.ObserveHistogram("access_job_duration_ms", 42, map[string]string{"job": "session_expiry_sweep"})

	out := r.Render()
	if !strings.Contains(out, `access_job_runs_total{job="session_expiry_sweep",status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `access_job_duration_ms_count{job="session_expiry_sweep"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
}

func TestObserveCallAndCounterValue(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"op": "queue_upsert", "status": "ok"}
	r.ObserveCall("access_router_calls_total", "access_router_call_latency_ms", time.Now(), labels)
	r.ObserveCall("access_router_calls_total", "access_router_call_latency_ms", time.Now(), labels)

	if got := r.CounterValue("access_router_calls_total", labels); got != 2 {
		t.Fatalf("expected counter 2, got %d", got)
	}
	if got := r.CounterValue("access_router_calls_total", map[string]string{"op": "other"}); got != 0 {
		t.Fatalf("expected missing series to read 0, got %d", got)
	}
	if !strings.Contains(r.Render(), `access_router_call_latency_ms_count{op="queue_upsert",status="ok"} 2`) {
		t.Fatal("missing histogram count for observed calls")
	}
}

func TestUnregisteredMetricIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("unknown_total", nil)
	if strings.Contains(r.Render(), "unknown_total") {
		t.Fatal("unregistered counter must not render")
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"job": "sync"}
	for _, v := range []float64{10, 11, 20000} {
		r.ObserveHistogram("access_job_duration_ms", v, labels)
	}
	out := r.Render()
	for _, want := range []string{
		`access_job_duration_ms_bucket{job="sync",le="10"} 1`,
		`access_job_duration_ms_bucket{job="sync",le="25"} 2`,
		`access_job_duration_ms_bucket{job="sync",le="10000"} 2`,
		`access_job_duration_ms_bucket{job="sync",le="+Inf"} 3`,
		`access_job_duration_ms_sum{job="sync"} 20021`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestLabelValuesAreEscaped(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"route": `a"b\c`}
	r.IncCounter("access_portal_rate_limited_total", labels)
	if !strings.Contains(r.Render(), `access_portal_rate_limited_total{route="a\"b\\c"} 1`) {
		t.Fatalf("label not escaped: %s", r.Render())
	}
	if got := r.CounterValue("access_portal_rate_limited_total", labels); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}
