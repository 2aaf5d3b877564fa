// Package management exposes coordinator status and control over HTTP.
package management

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/KingInYellow18/code-sub001/internal/logging"
	"github.com/KingInYellow18/code-sub001/internal/oauth"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// LoginFlow starts and completes browser logins.
type LoginFlow interface {
	BeginAuthorization(provider string) (*oauth.Session, error)
	CompleteAuthorization(ctx context.Context, state, code string) (*oauth.Result, error)
}

// Handler serves the management API.
type Handler struct {
	coord  *auth.Coordinator
	flow   LoginFlow
	events *EventHub
	secret string
}

// NewHandler creates a handler. flow may be nil when no provider supports OAuth.
// With an empty secret only loopback clients are accepted.
func NewHandler(coord *auth.Coordinator, flow LoginFlow, secret string) *Handler {
	return &Handler{coord: coord, flow: flow, secret: strings.TrimSpace(secret)}
}

// WithEvents enables the events stream backed by hub.
func (h *Handler) WithEvents(hub *EventHub) *Handler {
	h.events = hub
	return h
}

// Register mounts the API on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/v0/oauth/callback", h.OAuthCallback)

	g := r.Group("/v0/management", h.Middleware())
	g.GET("/status", h.GetStatus)
	g.PUT("/provider", requireJSON(), h.PutProvider)
	g.POST("/providers/:provider/test", h.TestProvider)
	g.GET("/providers/:provider/quota", h.GetQuota)
	g.DELETE("/providers/:provider", h.DeleteProvider)
	g.POST("/providers/:provider/login", h.BeginLogin)
	g.POST("/providers/:provider/allocations", requireJSON(), h.PostAllocation)
	g.POST("/providers/:provider/allocations/:agent/consume", requireJSON(), h.PostConsume)
	g.DELETE("/providers/:provider/allocations/:agent", h.DeleteAllocation)
	if h.events != nil {
		g.GET("/events", h.StreamEvents)
	}
}

// Middleware enforces the bearer secret, or loopback access when no secret is configured.
// Without a secret, requests a browser marks as coming from a non-loopback origin are refused.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.secret == "" {
			if !isLoopback(c.ClientIP()) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote management disabled"})
				return
			}
			if !sameMachineRequest(c.Request) {
				log.WithField("origin", c.GetHeader("Origin")).Warn("management: cross-site request rejected")
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cross-site request rejected"})
				return
			}
			c.Next()
			return
		}
		provided := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func isLoopbackHost(host string) bool {
	return strings.EqualFold(host, "localhost") || isLoopback(host)
}

// sameMachineRequest reports whether r carries no browser cross-site markers:
// Sec-Fetch-Site is not cross-site and any Origin is a loopback origin.
func sameMachineRequest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Site"), "cross-site") {
		return false
	}
	return allowedOrigin(r.Header.Get("Origin"), r.Host)
}

// allowedOrigin accepts requests without an Origin, loopback origins and the
// server's own host.
func allowedOrigin(origin, host string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return isLoopbackHost(u.Hostname()) || strings.EqualFold(u.Host, host)
}

// requireJSON refuses bodies not declared as application/json.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != gin.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "content type must be application/json"})
			return
		}
		c.Next()
	}
}

// GetStatus returns the status snapshot.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Status(c.Request.Context()))
}

// PutProvider switches the default provider preference.
func (h *Handler) PutProvider(c *gin.Context) {
	var body struct {
		Provider string `json:"provider"`
	}
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil || strings.TrimSpace(body.Provider) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	c.Set(logging.ProviderKey, body.Provider)
	if err := h.coord.SwitchProvider(c.Request.Context(), body.Provider); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preference": h.coord.Preference().String()})
}

// TestProvider runs a provider check.
func (h *Handler) TestProvider(c *gin.Context) {
	provider := h.provider(c)
	c.JSON(http.StatusOK, h.coord.TestProvider(c.Request.Context(), provider))
}

// GetQuota reports quota for a provider.
func (h *Handler) GetQuota(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Quota(h.provider(c)))
}

// DeleteProvider logs the provider out.
func (h *Handler) DeleteProvider(c *gin.Context) {
	if err := h.coord.Logout(c.Request.Context(), h.provider(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BeginLogin starts an OAuth session and returns the URL to open.
func (h *Handler) BeginLogin(c *gin.Context) {
	if h.flow == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "oauth login is not configured"})
		return
	}
	session, err := h.flow.BeginAuthorization(h.provider(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": session.Provider, "state": session.State, "url": session.AuthURL})
}

// OAuthCallback completes a login started through BeginLogin. It is reached by the
// user's browser, so it is authorized by the session state rather than the secret.
func (h *Handler) OAuthCallback(c *gin.Context) {
	if h.flow == nil {
		c.String(http.StatusNotFound, "oauth login is not configured")
		return
	}
	if errParam := c.Query("error"); errParam != "" {
		c.String(http.StatusBadRequest, "Authorization failed: %s", errParam)
		return
	}
	result, err := h.flow.CompleteAuthorization(c.Request.Context(), c.Query("state"), c.Query("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(logging.ProviderKey, result.Provider)
	if err = h.coord.CompleteLogin(c.Request.Context(), result.Provider, result.Credential, result.Subscription); err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, "Authentication successful. You can close this window.")
}

type allocationRequest struct {
	AgentID string `json:"agent_id"`
	Tokens  int64  `json:"tokens"`
	// Text, when set and Tokens is zero, is measured with the tokenizer.
	Text string `json:"text"`
}

// PostAllocation reserves quota for an agent.
func (h *Handler) PostAllocation(c *gin.Context) {
	var body allocationRequest
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil || strings.TrimSpace(body.AgentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if body.Tokens == 0 && body.Text != "" {
		estimate, err := auth.EstimateTokens(body.Text)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token estimation failed"})
			return
		}
		body.Tokens = estimate
	}
	alloc, err := h.coord.QuotaCoordinator().Allocate(c.Request.Context(), body.AgentID, h.provider(c), body.Tokens)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, alloc)
}

// PostConsume records consumption against an allocation.
func (h *Handler) PostConsume(c *gin.Context) {
	var body struct {
		Tokens int64 `json:"tokens"`
	}
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	provider, agent := h.provider(c), c.Param("agent")
	if err := h.coord.QuotaCoordinator().Consume(c.Request.Context(), agent, provider, body.Tokens); err != nil {
		writeError(c, err)
		return
	}
	alloc, _ := h.coord.QuotaCoordinator().Allocation(agent, provider)
	c.JSON(http.StatusOK, alloc)
}

// DeleteAllocation releases an agent's allocation.
func (h *Handler) DeleteAllocation(c *gin.Context) {
	if !h.coord.QuotaCoordinator().Release(c.Request.Context(), c.Param("agent"), h.provider(c)) {
		writeError(c, auth.NewError(auth.ErrAllocationNotFound, h.provider(c), nil))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) provider(c *gin.Context) string {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	c.Set(logging.ProviderKey, provider)
	return provider
}

var statusByCode = map[auth.ErrorCode]int{
	auth.CodeNoCredentials:       http.StatusNotFound,
	auth.CodeNoRefreshToken:      http.StatusUnauthorized,
	auth.CodeTokenExpired:        http.StatusUnauthorized,
	auth.CodeQuotaExceeded:       http.StatusTooManyRequests,
	auth.CodeInvalidState:        http.StatusBadRequest,
	auth.CodeOAuthExchange:       http.StatusBadGateway,
	auth.CodeAllocationNotFound:  http.StatusNotFound,
	auth.CodeNoProviderAvailable: http.StatusServiceUnavailable,
	auth.CodeNetwork:             http.StatusBadGateway,
	auth.CodeStorage:             http.StatusInternalServerError,
}

func writeError(c *gin.Context, err error) {
	code := auth.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusBadRequest
	}
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Warn("management request failed")
	}
	label := string(code)
	if label == "" {
		label = "invalid_request"
	}
	body := gin.H{"error": label, "message": err.Error()}
	var quotaErr *auth.QuotaExceededError
	if errors.As(err, &quotaErr) {
		body["current"] = quotaErr.Current
		body["limit"] = quotaErr.Limit
	}
	c.JSON(status, body)
}
