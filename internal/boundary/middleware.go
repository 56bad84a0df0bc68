package boundary

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	tblimiter "github.com/didip/tollbooth/v7/limiter"
	"github.com/tomasen/realip"
	ululelimiter "github.com/ulule/limiter/v3"
	ululestdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	ululememory "github.com/ulule/limiter/v3/drivers/store/memory"
)

// wrapMiddleware chains the façade-side protections in front of the
// router: per-IP burst shedding (tollbooth), a sliding-window request
// limiter (ulule), request metrics, and access logging with the real
// client IP. These guard the control surface itself and are
// independent of the per-credential model-API limiter.
func wrapMiddleware(next http.Handler, metrics *MetricsCollector) http.Handler {
	h := withMetrics(next, metrics)
	h = withWindowLimit(h)
	h = withBurstLimit(h, metrics)
	h = withAccessLog(h)
	return h
}

// withBurstLimit sheds short spikes: at most 20 req/s per client IP.
func withBurstLimit(next http.Handler, metrics *MetricsCollector) http.Handler {
	lmt := tollbooth.NewLimiter(20, &tblimiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	lmt.SetOnLimitReached(func(w http.ResponseWriter, r *http.Request) {
		metrics.IncrementErrors()
	})
	return tollbooth.LimitHandler(lmt, next)
}

// withWindowLimit bounds sustained load: 600 requests per minute per
// client, counted over a sliding window. In-memory only; resets with
// the façade process.
func withWindowLimit(next http.Handler) http.Handler {
	rate := ululelimiter.Rate{Period: time.Minute, Limit: 600}
	instance := ululelimiter.New(ululememory.NewStore(), rate)
	return ululestdlib.NewMiddleware(instance).Handler(next)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the WebSocket upgrade still works behind
// the metrics wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("boundary: underlying writer does not support hijacking")
	}
	return hj.Hijack()
}

func withMetrics(next http.Handler, metrics *MetricsCollector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.IncrementRequests()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= 400 {
			metrics.IncrementErrors()
		}
		metrics.Record(r.URL.Path, time.Since(start))
	})
}

func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		log.Printf("[facade] %s %s %s", realip.FromRequest(r), r.Method, r.URL.Path)
	})
}
