package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fireauth2",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fireauth2",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	authorizationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fireauth2",
		Name:      "authorizations_total",
		Help:      "Authorization flows started.",
	})

	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fireauth2",
		Name:      "callbacks_total",
		Help:      "Callback outcomes by result.",
	}, []string{"result"})

	tokenExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fireauth2",
		Name:      "token_exchanges_total",
		Help:      "Refresh-token exchanges by result.",
	}, []string{"result"})

	revocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fireauth2",
		Name:      "revocations_total",
		Help:      "Token revocations by kind and result.",
	}, []string{"kind", "result"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request counts and latency per route.
func metricsMiddleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}
