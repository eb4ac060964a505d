// Package metrics is a small stdlib-only metrics registry rendering the
// Prometheus text exposition format. Counters, gauges, and histograms
// are grouped into families by base name; labeled series are keyed by
// the full name{k="v"} form.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets spans request latencies from 5ms to a minute.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter only goes up.
type Counter struct{ n atomic.Int64 }

func (c *Counter) Inc()         { c.n.Add(1) }
func (c *Counter) Add(d int64)  { c.n.Add(d) }
func (c *Counter) Value() int64 { return c.n.Load() }

// Gauge goes both ways.
type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.n.Store(v) }
func (g *Gauge) Inc()         { g.n.Add(1) }
func (g *Gauge) Dec()         { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

// SetFloat stores a float64 bit pattern; pair with FloatValue.
func (g *Gauge) SetFloat(v float64) { g.n.Store(int64(math.Float64bits(v))) }

// FloatValue reads back a value stored with SetFloat.
func (g *Gauge) FloatValue() float64 { return math.Float64frombits(uint64(g.n.Load())) }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	hits   []uint64 // per-bucket, cumulated only at render time
	sum    float64
	total  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, hits: make([]uint64, len(b))}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.total++
	for i, b := range h.bounds {
		if v <= b {
			h.hits[i]++
			return
		}
	}
}

// Since observes the seconds elapsed from t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

func (h *Histogram) snapshot() (bounds []float64, hits []uint64, sum float64, total uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds, append([]uint64(nil), h.hits...), h.sum, h.total
}

type familyKind uint8

const (
	kindCounter familyKind = iota
	kindGauge
	kindHistogram
)

func (k familyKind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindGauge:
		return "gauge"
	default:
		return "histogram"
	}
}

// family groups all labeled series that share a base name.
type family struct {
	kind   familyKind
	help   string
	series map[string]any // full labeled name -> *Counter/*Gauge/*Histogram
}

// Registry holds metric families in registration order.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	order    []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// lookup finds or creates the family and the series slot for name.
// mk runs under the registry lock.
func (r *Registry) lookup(name, help string, kind familyKind, mk func() any) any {
	base := baseName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	fam, ok := r.families[base]
	if !ok {
		fam = &family{kind: kind, help: help, series: make(map[string]any)}
		r.families[base] = fam
		r.order = append(r.order, base)
	}
	if help != "" && fam.help == "" {
		fam.help = help
	}
	if s, ok := fam.series[name]; ok {
		return s
	}
	s := mk()
	fam.series[name] = s
	return s
}

// Counter returns the counter series for name, creating it on first use.
// Labels travel inside name, built with WithLabels.
func (r *Registry) Counter(name, help string) *Counter {
	return r.lookup(name, help, kindCounter, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge series for name.
func (r *Registry) Gauge(name, help string) *Gauge {
	return r.lookup(name, help, kindGauge, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram series for name. A nil buckets slice
// selects DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.lookup(name, help, kindHistogram, func() any { return newHistogram(buckets) }).(*Histogram)
}

// WithLabels builds `name{k1="v1",k2="v2"}`. An odd-length kvs list is
// ignored and the bare name returned.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i < len(kvs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kvs[i], kvs[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return name[:i]
	}
	return name
}

// labelPart returns the `k="v",...` inside the braces of name, or "".
func labelPart(name string) string {
	i := strings.IndexByte(name, '{')
	if i < 0 {
		return ""
	}
	return name[i+1 : len(name)-1]
}

// Render emits every family in registration order, series sorted by
// name, in the Prometheus text format.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, base := range r.order {
		fam := r.families[base]
		if fam.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, fam.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, fam.kind)

		names := make([]string, 0, len(fam.series))
		for n := range fam.series {
			names = append(names, n)
		}
		sort.Strings(names)

		for _, n := range names {
			switch s := fam.series[n].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s %d\n", n, s.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s %d\n", n, s.Value())
			case *Histogram:
				renderHistogram(&b, base, labelPart(n), s)
			}
		}
	}
	return b.String()
}

func renderHistogram(b *strings.Builder, base, labels string, h *Histogram) {
	bounds, hits, sum, total := h.snapshot()
	joined := ""
	if labels != "" {
		joined = "," + labels
	}
	var cum uint64
	for i, bound := range bounds {
		cum += hits[i]
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"%s} %d\n", base, bound, joined, cum)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"%s} %d\n", base, joined, total)
	suffix := ""
	if labels != "" {
		suffix = "{" + labels + "}"
	}
	fmt.Fprintf(b, "%s_sum%s %g\n", base, suffix, sum)
	fmt.Fprintf(b, "%s_count%s %d\n", base, suffix, total)
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// Serve blocks serving /metrics on port; the root path answers "ok" for
// liveness probes.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync runs Serve on a goroutine, printing any listen error.
func (r *Registry) ServeAsync(port int) {
	go func() {
		if err := r.Serve(port); err != nil {
			fmt.Printf("metrics server error on port %d: %v\n", port, err)
		}
	}()
}

// Label helpers keeping the pipeline's label keys consistent across
// ingest, clustering, classification, fix runs, and review.

// ProductLabel appends the product label, e.g.
// ProductLabel("darwin_signals_ingested_total", "joplin").
func ProductLabel(name, product string) string {
	return WithLabels(name, "product", product)
}

// CategoryLabel appends a task/rule category label.
func CategoryLabel(name, category string) string {
	return WithLabels(name, "category", category)
}

// RouteLabel appends method/route/status labels for HTTP instrumentation.
func RouteLabel(name, method, route string, status int) string {
	return WithLabels(name, "method", method, "route", route, "status", strconv.Itoa(status))
}

// PipelineMetrics bundles the counters and histograms the workers and
// the HTTP surface record, so call sites reach for a method instead of
// re-typing metric names inline. A nil *PipelineMetrics is a valid
// no-op receiver; workers constructed without a registry (most unit
// tests) record nothing.
type PipelineMetrics struct {
	reg *Registry

	httpDuration *Histogram
}

// NewPipelineMetrics registers the pipeline metric families on reg.
func NewPipelineMetrics(reg *Registry) *PipelineMetrics {
	return &PipelineMetrics{
		reg:          reg,
		httpDuration: reg.Histogram("darwin_http_request_duration_seconds", "HTTP request duration by method/route/status", nil),
	}
}

// IncSignalsIngested counts a signal newly written and queued for
// embedding.
func (m *PipelineMetrics) IncSignalsIngested(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_signals_ingested_total", product), "signals newly queued for embedding").Inc()
}

// IncSignalsDuplicate counts a signal that matched an existing content
// hash.
func (m *PipelineMetrics) IncSignalsDuplicate(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_signals_duplicate_total", product), "signals matching an existing content hash").Inc()
}

// IncSignalsInvalid counts a signal rejected by validation.
func (m *PipelineMetrics) IncSignalsInvalid(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_signals_invalid_total", product), "signals rejected by validation").Inc()
}

// IncTopicsCreated counts a new topic promoted by the clusterer.
func (m *PipelineMetrics) IncTopicsCreated(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_topics_created_total", product), "new topics promoted by the clusterer").Inc()
}

// IncTopicsAttached counts a signal attached to an existing topic.
func (m *PipelineMetrics) IncTopicsAttached(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_topics_attached_total", product), "signals attached to an existing topic").Inc()
}

// IncSignalsTriaged counts a signal parked on the triage queue.
func (m *PipelineMetrics) IncSignalsTriaged(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_signals_triaged_total", product), "signals parked for triage").Inc()
}

// IncTaskClassified counts a task materialized by the classify worker,
// labeled by product and category.
func (m *PipelineMetrics) IncTaskClassified(product, category string) {
	if m == nil {
		return
	}
	name := WithLabels("darwin_tasks_classified_total", "product", product, "category", category)
	m.reg.Counter(name, "tasks materialized by the classify worker").Inc()
}

// IncFixRunStarted counts a fix run admitted to running.
func (m *PipelineMetrics) IncFixRunStarted(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_fix_runs_started_total", product), "fix runs transitioned to running").Inc()
}

// IncFixRunCompleted counts a fix run that produced a pull request.
func (m *PipelineMetrics) IncFixRunCompleted(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_fix_runs_completed_total", product), "fix runs that completed with a PR").Inc()
}

// IncFixRunFailed counts a fix run that ended in failure.
func (m *PipelineMetrics) IncFixRunFailed(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_fix_runs_failed_total", product), "fix runs that ended in failure").Inc()
}

// IncRuleExtracted counts a rule upserted from review feedback.
func (m *PipelineMetrics) IncRuleExtracted(product string) {
	if m == nil {
		return
	}
	m.reg.Counter(ProductLabel("darwin_rules_extracted_total", product), "rules upserted from review feedback").Inc()
}

// ObserveHTTPRequest records one completed HTTP request.
func (m *PipelineMetrics) ObserveHTTPRequest(method, route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.reg.Counter(RouteLabel("darwin_http_requests_total", method, route, status), "HTTP requests by method/route/status").Inc()
	m.httpDuration.Observe(dur.Seconds())
}
