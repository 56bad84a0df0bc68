package boundary

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// slowThreshold flags control-surface requests that took long enough
// to suggest store contention (every handler is a handful of SQLite
// transactions; none should approach this under normal load).
const slowThreshold = 250 * time.Millisecond

// routeBucket accumulates raw timing data for one route key. Averages
// are derived at read time so Record stays a few additions and
// compares.
type routeBucket struct {
	count uint64
	total time.Duration
	max   time.Duration
	slow  uint64
}

// MetricsCollector tracks request counters and per-route timings for
// the metrics endpoint.
type MetricsCollector struct {
	requestsTotal uint64
	errorsTotal   uint64

	mu     sync.Mutex
	routes map[string]*routeBucket
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{routes: make(map[string]*routeBucket)}
}

func (m *MetricsCollector) IncrementRequests() {
	atomic.AddUint64(&m.requestsTotal, 1)
}

func (m *MetricsCollector) IncrementErrors() {
	atomic.AddUint64(&m.errorsTotal, 1)
}

// routeKey folds each request path onto its route. The API's only
// dynamic segments are the annotator id and domain under
// /api/workers/, so there is no general pattern matching here: a
// numeric third segment identifies a per-pair route, and everything
// after the pair (the action verb) stays in the key so start, stop,
// pause and status reads get separate buckets.
func routeKey(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) >= 4 && segs[0] == "api" && segs[1] == "workers" {
		if _, err := strconv.Atoi(segs[2]); err == nil {
			key := "/api/workers/{pair}"
			if len(segs) > 4 {
				key += "/" + segs[4]
			}
			return key
		}
	}
	if len(segs) == 1 && segs[0] == "" {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

// Record folds one request's duration into its route bucket.
func (m *MetricsCollector) Record(path string, d time.Duration) {
	key := routeKey(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.routes[key]
	if b == nil {
		b = &routeBucket{}
		m.routes[key] = b
	}
	b.count++
	b.total += d
	if d > b.max {
		b.max = d
	}
	if d > slowThreshold {
		b.slow++
	}
}

// RouteMetrics is the per-route view served by the metrics endpoint.
type RouteMetrics struct {
	Count       uint64        `json:"count"`
	AverageTime time.Duration `json:"average_time"`
	MaxTime     time.Duration `json:"max_time"`
	SlowCount   uint64        `json:"slow_count"`
}

// Summary is the metrics endpoint payload.
type Summary struct {
	RequestsTotal uint64                  `json:"requests_total"`
	ErrorsTotal   uint64                  `json:"errors_total"`
	Routes        map[string]RouteMetrics `json:"routes"`
}

func (m *MetricsCollector) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := make(map[string]RouteMetrics, len(m.routes))
	for key, b := range m.routes {
		routes[key] = RouteMetrics{
			Count:       b.count,
			AverageTime: b.total / time.Duration(b.count),
			MaxTime:     b.max,
			SlowCount:   b.slow,
		}
	}
	return Summary{
		RequestsTotal: atomic.LoadUint64(&m.requestsTotal),
		ErrorsTotal:   atomic.LoadUint64(&m.errorsTotal),
		Routes:        routes,
	}
}
