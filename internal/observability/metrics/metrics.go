package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type activationKey struct {
	outcome string
	code    string
}

var (
	httpBuckets       = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	activationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe 记录一次观测；超过最大桶的值只计入 +Inf（即 count）。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

func (h *histogram) clone() *histogram {
	return &histogram{
		buckets: h.buckets,
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

type collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	errors      map[routeKey]uint64
	latency     map[routeKey]*histogram
	activations map[activationKey]uint64
	activation  map[string]*histogram
	events      map[string]uint64
	states      func() map[string]int
}

func newCollector() *collector {
	return &collector{
		requests:    make(map[requestKey]uint64),
		errors:      make(map[routeKey]uint64),
		latency:     make(map[routeKey]*histogram),
		activations: make(map[activationKey]uint64),
		activation:  make(map[string]*histogram),
		events:      make(map[string]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveActivation records one terminal activation outcome. code is empty for
// successful activations.
func ObserveActivation(failed bool, code string, duration time.Duration) {
	defaultCollector.observeActivation(failed, code, duration)
}

// ObserveEvent counts an activation event by how it was delivered
// ("sync" or "async").
func ObserveEvent(mode string) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	defaultCollector.events[mode]++
}

// SetStateSource registers a callback reporting how many extensions are in
// each state. It is evaluated on every scrape.
func SetStateSource(fn func() map[string]int) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	defaultCollector.states = fn
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeActivation(failed bool, code string, duration time.Duration) {
	outcome := "activated"
	if failed {
		outcome = "failed"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activations[activationKey{outcome: outcome, code: code}]++
	hist := c.activation[outcome]
	if hist == nil {
		hist = newHistogram(activationBuckets)
		c.activation[outcome] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	requests := make(map[requestKey]uint64, len(c.requests))
	for k, v := range c.requests {
		requests[k] = v
	}
	errs := make(map[routeKey]uint64, len(c.errors))
	for k, v := range c.errors {
		errs[k] = v
	}
	latency := make(map[routeKey]*histogram, len(c.latency))
	for k, v := range c.latency {
		latency[k] = v.clone()
	}
	activations := make(map[activationKey]uint64, len(c.activations))
	for k, v := range c.activations {
		activations[k] = v
	}
	activation := make(map[string]*histogram, len(c.activation))
	for k, v := range c.activation {
		activation[k] = v.clone()
	}
	events := make(map[string]uint64, len(c.events))
	for k, v := range c.events {
		events[k] = v
	}
	states := c.states
	c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("# HELP exthost_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE exthost_http_requests_total counter\n")
	reqKeys := make([]requestKey, 0, len(requests))
	for k := range requests {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, z := reqKeys[i], reqKeys[j]
		if a.handler != z.handler {
			return a.handler < z.handler
		}
		if a.method != z.method {
			return a.method < z.method
		}
		return a.code < z.code
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "exthost_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(k.handler), escape(k.method), escape(k.code), requests[k])
	}

	b.WriteString("# HELP exthost_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE exthost_http_request_errors_total counter\n")
	for _, k := range sortedRoutes(errs) {
		fmt.Fprintf(&b, "exthost_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(k.handler), escape(k.method), errs[k])
	}

	b.WriteString("# HELP exthost_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE exthost_http_request_duration_seconds histogram\n")
	for _, k := range sortedRoutes(latency) {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(k.handler), escape(k.method))
		writeHistogram(&b, "exthost_http_request_duration_seconds", labels, latency[k])
	}

	b.WriteString("# HELP exthost_activations_total Extension activations by outcome and error code.\n")
	b.WriteString("# TYPE exthost_activations_total counter\n")
	actKeys := make([]activationKey, 0, len(activations))
	for k := range activations {
		actKeys = append(actKeys, k)
	}
	sort.Slice(actKeys, func(i, j int) bool {
		if actKeys[i].outcome != actKeys[j].outcome {
			return actKeys[i].outcome < actKeys[j].outcome
		}
		return actKeys[i].code < actKeys[j].code
	})
	for _, k := range actKeys {
		fmt.Fprintf(&b, "exthost_activations_total{outcome=\"%s\",code=\"%s\"} %d\n",
			escape(k.outcome), escape(k.code), activations[k])
	}

	b.WriteString("# HELP exthost_activation_duration_seconds Extension activation duration in seconds.\n")
	b.WriteString("# TYPE exthost_activation_duration_seconds histogram\n")
	for _, outcome := range sortedKeys(activation) {
		writeHistogram(&b, "exthost_activation_duration_seconds", fmt.Sprintf("outcome=\"%s\"", escape(outcome)), activation[outcome])
	}

	b.WriteString("# HELP exthost_activation_events_total Activation events received by delivery mode.\n")
	b.WriteString("# TYPE exthost_activation_events_total counter\n")
	for _, mode := range sortedKeys(events) {
		fmt.Fprintf(&b, "exthost_activation_events_total{mode=\"%s\"} %d\n", escape(mode), events[mode])
	}

	if states != nil {
		counts := states()
		b.WriteString("# HELP exthost_extensions Registered extensions by activation state.\n")
		b.WriteString("# TYPE exthost_extensions gauge\n")
		for _, state := range sortedKeys(counts) {
			fmt.Fprintf(&b, "exthost_extensions{state=\"%s\"} %d\n", escape(state), counts[state])
		}
	}

	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
