// Package middleware contains the shared Gin middleware of the webhook
// transport: correlation IDs, structured access logging with secret
// redaction, panic recovery, Prometheus instrumentation, and a per-IP rate
// limiter.
//
// Ordering matters: RequestID first so every log line and error response can
// carry the correlation ID, then Logger, then Recovery.
package middleware

import (
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
)

// redactedParams are query parameters whose values never reach logs: the
// callback signature material could otherwise be replayed from log storage.
var redactedParams = map[string]bool{
	"signature":     true,
	"msg_signature": true,
	"echostr":       true,
}

// RequestID attaches (or propagates) a correlation identifier per request.
// An incoming X-Request-ID is reused, otherwise a new UUIDv4 is generated;
// the value is echoed on the response and stored in the Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes one structured access log line per request and stores a
// request-scoped zerolog.Logger under the "logger" context key. Signature
// query parameters are redacted before logging. Level follows the outcome:
// error for 5xx, warn for 4xx, info otherwise.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("query", redactQuery(c.Request.URL.Query())).
			Int64("bytes_in", c.Request.ContentLength).
			Logger()
		c.Set("logger", &l)

		c.Next()

		ev := l.With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()
		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case c.Writer.Status() >= 500:
			ev.Error().Msg("request")
		case c.Writer.Status() >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery converts panics into a plain-text 500. The platform retries on
// 5xx, so the body stays minimal and leaks nothing.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", asString(rid)).
					Msg("panic recovered")
				if !c.Writer.Written() {
					c.Header(requestIDHeader, asString(rid))
					c.String(http.StatusInternalServerError, "internal error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when no
// Logger() middleware ran. Callers never need a nil check.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// MaskOpenID shortens a sender identifier for logging. Short values are
// fully masked; longer ones keep 4 characters of each end.
func MaskOpenID(openid string) string {
	if openid == "" {
		return ""
	}
	if len(openid) <= 8 {
		return "***"
	}
	return openid[:4] + "***" + openid[len(openid)-4:]
}

func redactQuery(q url.Values) string {
	out := url.Values{}
	for k, vs := range q {
		if redactedParams[k] {
			out.Set(k, "[redacted]")
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out.Encode()
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
