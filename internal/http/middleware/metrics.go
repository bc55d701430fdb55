// Package middleware – Prometheus instrumentation.
//
// Besides the generic HTTP series, the webhook exposes domain counters:
// inbound messages by type and outcome, replay rejections, and link job
// durations. Labels are drawn from small fixed sets to keep cardinality
// bounded.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// wechatMessages counts dispatched callback messages. outcome is one of
	// a small fixed vocabulary (replied, rejected, unsupported).
	wechatMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wechat_messages_total",
			Help: "Inbound callback messages by type and outcome.",
		},
		[]string{"msg_type", "outcome"},
	)

	wechatReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wechat_replay_rejections_total",
			Help: "Callback requests rejected by the replay guard.",
		},
	)

	linkJobDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "link_job_duration_seconds",
			Help:    "Duration of link save jobs (fetch, convert, publish).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, wechatMessages, wechatReplays, linkJobDur)
}

// Metrics instruments every request with the generic HTTP series. The path
// label uses the registered route to keep cardinality bounded.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		httpReqs.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// CountMessage records a dispatched callback message.
func CountMessage(msgType, outcome string) {
	if msgType == "" {
		msgType = "unknown"
	}
	wechatMessages.WithLabelValues(msgType, outcome).Inc()
}

// CountReplayRejection records a replay-guard block.
func CountReplayRejection() {
	wechatReplays.Inc()
}

// ObserveJobDuration records a finished link job. An empty outcome means
// success.
func ObserveJobDuration(outcome string, d time.Duration) {
	if outcome == "" {
		outcome = "success"
	}
	linkJobDur.WithLabelValues(outcome).Observe(d.Seconds())
}
