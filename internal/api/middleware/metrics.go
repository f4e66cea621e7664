// metrics.go — Prometheus HTTP метрики Media Stream.
// Регистрирует ms_http_requests_total и ms_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_http_requests_total",
			Help: "Общее количество HTTP-запросов к Media Stream",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ms_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Media Stream в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware собирает количество и длительность запросов по endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// nestedParams — вложенные коллекции записи и имена их параметров.
var nestedParams = map[string]string{
	"qualities": "{quality}",
	"seasons":   "{season}",
	"episodes":  "{episode}",
}

// normalizePath заменяет переменные сегменты шаблонами:
// /dl/<token>/<name> → /dl/{token}/{name},
// /api/v1/media/movie/2/603 → /api/v1/media/{media_type}/{shard}/{tmdb_id}.
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/media", "/api/v1/ingest",
		"/api/v1/system/workloads", "/api/v1/system/shards":
		return path
	}

	if strings.HasPrefix(path, "/dl/") {
		return "/dl/{token}/{name}"
	}

	const mediaPrefix = "/api/v1/media/"
	if !strings.HasPrefix(path, mediaPrefix) {
		return "other"
	}

	segs := strings.Split(strings.TrimPrefix(path, mediaPrefix), "/")
	// media_type/shard/tmdb_id[/qualities/q | /seasons/s[/episodes/e[/qualities/q]]]
	names := []string{"{media_type}", "{shard}", "{tmdb_id}"}
	var b strings.Builder
	b.WriteString("/api/v1/media")
	for i, seg := range segs {
		b.WriteByte('/')
		switch {
		case i < len(names):
			b.WriteString(names[i])
		case (i-len(names))%2 == 0:
			if _, ok := nestedParams[seg]; ok {
				b.WriteString(seg)
			} else {
				b.WriteString("{segment}")
			}
		default:
			param, ok := nestedParams[segs[i-1]]
			if !ok {
				param = "{value}"
			}
			b.WriteString(param)
		}
	}
	return b.String()
}
