// Package logging configures logrus output and provides Gin middleware for
// request logging and panic recovery on the management API.
package logging

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	skipGinLogKey = "__gin_skip_request_logging__"
	// ProviderKey is the Gin context key handlers set to tag a request with the provider it acted on.
	ProviderKey = "provider"
	// RequestIDHeader is echoed back on every response.
	RequestIDHeader = "X-Request-ID"
	agentIDHeader   = "X-Agent-ID"
)

var sensitiveQueryKeys = map[string]struct{}{
	"code":  {},
	"state": {},
	"key":   {},
	"token": {},
}

// GinLogrusLogger returns a Gin middleware handler that logs each request through logrus
// with method, path, status, latency and client IP. The provider a handler acted on and
// the calling agent, when present, are appended.
//
// Output format: 200 |         1.2ms |       127.0.0.1 | GET     "/v0/status" | claude (agent-7)
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := maskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		if shouldSkipGinRequestLogging(c) {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		logLine := fmt.Sprintf("%3d | %13v | %15s | %-7s \"%s\"", statusCode, latency, c.ClientIP(), c.Request.Method, path)

		provider := c.GetString(ProviderKey)
		agentID := c.GetHeader(agentIDHeader)
		switch {
		case provider != "" && agentID != "":
			logLine += fmt.Sprintf(" | %s (%s)", provider, agentID)
		case provider != "":
			logLine += " | " + provider
		case agentID != "":
			logLine += " | (" + agentID + ")"
		}
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logLine += " | " + errorMessage
		}

		entry := log.WithField("request_id", requestID)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

// GenerateRequestID returns a short random identifier for log correlation.
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// GinLogrusRecovery returns a Gin middleware handler that recovers from panics and logs
// them using logrus, answering 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			// Let net/http abort the connection without a stack dump.
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// SkipGinRequestLogging suppresses the access log line for c, e.g. for long-lived streams.
func SkipGinRequestLogging(c *gin.Context) {
	if c != nil {
		c.Set(skipGinLogKey, true)
	}
}

func shouldSkipGinRequestLogging(c *gin.Context) bool {
	if c == nil {
		return false
	}
	return c.GetBool(skipGinLogKey)
}

// maskSensitiveQuery hides OAuth codes and tokens that may appear in query strings.
func maskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[unparsable query]"
	}
	for key := range values {
		if _, ok := sensitiveQueryKeys[strings.ToLower(key)]; ok {
			values[key] = []string{"***"}
		}
	}
	return values.Encode()
}
