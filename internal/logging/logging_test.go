package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func TestMaskSensitiveQuery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw      string
		want     string
		notFound string
	}{
		{raw: "", want: ""},
		{raw: "provider=claude", want: "provider=claude"},
		{raw: "code=abc&state=xyz&provider=claude", want: "provider=claude", notFound: "abc"},
		{raw: "Token=secret", notFound: "secret"},
	}
	for _, tt := range tests {
		got := maskSensitiveQuery(tt.raw)
		if tt.want != "" && !strings.Contains(got, tt.want) {
			t.Errorf("maskSensitiveQuery(%q) = %q, want containing %q", tt.raw, got, tt.want)
		}
		if tt.notFound != "" && strings.Contains(got, tt.notFound) {
			t.Errorf("maskSensitiveQuery(%q) = %q, leaked %q", tt.raw, got, tt.notFound)
		}
	}
}

func TestGinLogrusLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf strings.Builder
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	r := gin.New()
	r.Use(GinLogrusLogger(), GinLogrusRecovery())
	r.GET("/v0/status", func(c *gin.Context) {
		c.Set(ProviderKey, "claude")
		c.Status(http.StatusOK)
	})
	r.GET("/quiet", func(c *gin.Context) {
		SkipGinRequestLogging(c)
		c.Status(http.StatusOK)
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/status?code=secret-code", nil)
	req.Header.Set("X-Agent-ID", "agent-7")
	r.ServeHTTP(w, req)

	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("response should carry a request id")
	}
	out := buf.String()
	if !strings.Contains(out, "claude (agent-7)") {
		t.Errorf("log = %q, want provider and agent", out)
	}
	if strings.Contains(out, "secret-code") {
		t.Errorf("log leaked oauth code: %q", out)
	}

	buf.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/quiet", nil))
	if buf.Len() != 0 {
		t.Errorf("skipped request logged: %q", buf.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d, want 500", w.Code)
	}
}

func TestSetup(t *testing.T) {
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
	})

	file := filepath.Join(t.TempDir(), "logs", "authcoord.log")
	closer, err := Setup(config.LoggingConfig{Level: "debug", Format: "json", File: file, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	log.WithField("provider", "claude").Info("hello")
	if err = closer.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"provider":"claude"`) {
		t.Errorf("log file = %s, want json entry", data)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}

	if _, err = Setup(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}
