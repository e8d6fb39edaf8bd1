// Package metrics keeps in-process counters and latency histograms for the
// control plane and renders them in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
	jobBuckets     = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
)

// definition names one metric family. A nil buckets slice makes it a counter.
type definition struct {
	name    string
	help    string
	buckets []float64
}

var definitions = []definition{
	{"access_activation_latency_ms", "Activation latency in milliseconds by source and status.", latencyBuckets},
	{"access_activation_total", "Activation attempts by source and status.", nil},
	{"access_http_requests_total", "HTTP requests by route, method and status.", nil},
	{"access_job_duration_ms", "Background job duration in milliseconds by job.", jobBuckets},
	{"access_job_runs_total", "Total background job runs by job and status.", nil},
	{"access_kms_operation_latency_ms", "KMS operation latency in milliseconds by op and status.", latencyBuckets},
	{"access_kms_operations_total", "KMS operations by op and status.", nil},
	{"access_kms_retries_total", "KMS retries by op and reason.", nil},
	{"access_kms_retry_exhausted_total", "KMS operations that exhausted retry attempts by op.", nil},
	{"access_payment_events_total", "Payment bridge events by kind and status.", nil},
	{"access_portal_rate_limited_total", "Portal requests rejected by the rate limiter, by route.", nil},
	{"access_provision_failed_total", "Sessions whose router provisioning exhausted retries, by router.", nil},
	{"access_router_call_latency_ms", "Router API call latency in milliseconds by op and status.", latencyBuckets},
	{"access_router_calls_total", "Router API calls by op and status.", nil},
	{"access_router_retries_total", "Router API retries by op.", nil},
	{"access_router_retry_exhausted_total", "Router API operations that exhausted retry attempts by op.", nil},
	{"access_sweep_expired_total", "Sessions expired by the sweep, by status.", nil},
	{"access_voucher_redemptions_total", "Voucher redemption attempts by status.", nil},
}

// series is one label combination of a family. Counters use only count.
type series struct {
	labels  string
	count   uint64
	sum     float64
	buckets []uint64
}

type family struct {
	definition
	series map[string]*series
}

func (f *family) histogram() bool { return f.buckets != nil }

func (f *family) get(labels map[string]string) *series {
	key := formatLabels(labels)
	s := f.series[key]
	if s == nil {
		s = &series{labels: key}
		if f.histogram() {
			s.buckets = make([]uint64, len(f.buckets)+1)
		}
		f.series[key] = s
	}
	return s
}

type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*family, len(definitions))}
	for _, d := range definitions {
		r.families[d.name] = &family{definition: d, series: map[string]*series{}}
	}
	return r
}

// IncCounter bumps a counter series. Unknown names and histogram names are
// ignored so a typo at a call site never panics.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil || f.histogram() {
		return
	}
	f.get(labels).count++
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil || !f.histogram() {
		return
	}
	s := f.get(labels)
	s.buckets[sort.SearchFloat64s(f.buckets, value)]++
	s.count++
	s.sum += value
}

// ObserveCall records one counter increment and one latency sample under the
// same labels, the pattern every router, job and activation call site uses.
func (r *Registry) ObserveCall(counter, histogram string, start time.Time, labels map[string]string) {
	r.IncCounter(counter, labels)
	r.ObserveHistogram(histogram, float64(time.Since(start).Milliseconds()), labels)
}

// CounterValue returns the current value of a counter series, zero if absent.
func (r *Registry) CounterValue(name string, labels map[string]string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f := r.families[name]
	if f == nil || f.histogram() {
		return 0
	}
	if s := f.series[formatLabels(labels)]; s != nil {
		return s.count
	}
	return 0
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.write(w)
	})
}

func (r *Registry) Render() string {
	var b strings.Builder
	r.write(&b)
	return b.String()
}

// write writes every family in name order, series sorted by label set.
func (r *Registry) write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range definitions {
		f := r.families[d.name]
		kind := "counter"
		if f.histogram() {
			kind = "histogram"
		}
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, kind)
		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := f.series[k]
			if !f.histogram() {
				fmt.Fprintf(w, "%s%s %d\n", f.name, braces(s.labels), s.count)
				continue
			}
			var cumulative uint64
			for i, n := range s.buckets {
				cumulative += n
				le := "+Inf"
				if i < len(f.buckets) {
					le = formatFloat(f.buckets[i])
				}
				fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, braces(joinLabels(s.labels, `le="`+le+`"`)), cumulative)
			}
			fmt.Fprintf(w, "%s_sum%s %s\n", f.name, braces(s.labels), formatFloat(s.sum))
			fmt.Fprintf(w, "%s_count%s %d\n", f.name, braces(s.labels), s.count)
		}
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

// formatLabels renders labels sorted by key as k="v" pairs. The result is
// both the series key and its exposition text.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + `="` + labelEscaper.Replace(labels[k]) + `"`
	}
	return strings.Join(pairs, ",")
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
