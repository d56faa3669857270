// Package api wires the control plane's HTTP and WebSocket surface: gin
// routes for the ten endpoints of the token service, node registry,
// autoscaler, and cache-stats ops surface, following the teacher's router-construction style in
// cmd/main.go (gin.New(), an explicit middleware chain, grouped routes)
// narrowed to only the endpoints this system owns -- the simulation,
// billing, and session-template surface the teacher also serves belongs to
// a different system entirely.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/riftline/control-plane/internal/apperrors"
	"github.com/riftline/control-plane/internal/authz"
	"github.com/riftline/control-plane/internal/autoscaler"
	"github.com/riftline/control-plane/internal/cache"
	"github.com/riftline/control-plane/internal/clock"
	"github.com/riftline/control-plane/internal/nodes"
	"github.com/riftline/control-plane/internal/oauth"
	"github.com/riftline/control-plane/internal/tokens"
)

const (
	ScopeNodeRegister     = "control-plane.node.register"
	ScopeNodeManage       = "control-plane.node.manage"
	ScopeClusterRead      = "control-plane.cluster.read"
	ScopeAutoscalerRead   = "control-plane.autoscaler.read"
	ScopeAutoscalerManage = "control-plane.autoscaler.manage"
)

// Deps bundles everything the HTTP surface calls into.
type Deps struct {
	OAuth      *oauth.Service
	Issuer     *tokens.Issuer
	Registry   nodes.Registry
	Autoscaler *autoscaler.Autoscaler
	Cache      *cache.Cache
	Clock      clock.Clock
	Log        zerolog.Logger
}

// Policies is the authorization filter's declarative scope table for this
// router's protected routes.
func Policies() authz.PolicyTable {
	return authz.PolicyTable{
		"POST /api/nodes":                    {RequireAny: []string{ScopeNodeRegister}},
		"PUT /api/nodes/:id/heartbeat":        {RequireAny: []string{ScopeNodeRegister}},
		"POST /api/nodes/:id/drain":           {RequireAny: []string{ScopeNodeManage}},
		"DELETE /api/nodes/:id":               {RequireAny: []string{ScopeNodeManage}},
		"GET /api/nodes":                      {RequireAny: []string{ScopeClusterRead}},
		"GET /api/autoscaler/recommendation":  {RequireAny: []string{ScopeAutoscalerRead}},
		"POST /api/autoscaler/ack":            {RequireAny: []string{ScopeAutoscalerManage}},
		"GET /api/cache/stats":                {RequireAny: []string{ScopeClusterRead}},
	}
}

// NewRouter builds the gin engine. filter may be nil in tests exercising
// unauthenticated routes only.
func NewRouter(d Deps, filter *authz.Filter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(d.Log))

	h := &handlers{d: d}

	r.POST("/oauth2/token", h.token)
	r.POST("/api/tokens/validate", h.validate)

	protected := r.Group("/api")
	if filter != nil {
		protected.Use(filter.Middleware())
	}
	protected.POST("/nodes", h.registerNode)
	protected.PUT("/nodes/:id/heartbeat", h.heartbeat)
	protected.POST("/nodes/:id/drain", h.drain)
	protected.DELETE("/nodes/:id", h.deregister)
	protected.GET("/nodes", h.listNodes)
	protected.GET("/autoscaler/recommendation", h.recommendation)
	protected.POST("/autoscaler/ack", h.ack)
	protected.GET("/cache/stats", h.cacheStats)

	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

type handlers struct {
	d Deps
}

func writeAppError(c *gin.Context, aerr *apperrors.AppError, oauth2 bool) {
	if aerr.RetryAfterSec > 0 {
		c.Header("Retry-After", strconv.Itoa(aerr.RetryAfterSec))
	}
	if oauth2 {
		c.JSON(aerr.StatusCode, aerr.ToOAuth2Response())
		return
	}
	c.JSON(aerr.StatusCode, aerr.ToResponse())
}

// POST /oauth2/token
func (h *handlers) token(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		writeAppError(c, apperrors.InvalidRequest("malformed form body"), true)
		return
	}

	clientID := c.Request.PostFormValue("client_id")
	clientSecret := c.Request.PostFormValue("client_secret")
	if basicID, basicSecret, ok := c.Request.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	req := oauth.TokenRequest{
		GrantType:    c.Request.PostFormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Username:     c.Request.PostFormValue("username"),
		Password:     c.Request.PostFormValue("password"),
		RefreshToken: c.Request.PostFormValue("refresh_token"),
		SubjectToken: c.Request.PostFormValue("subject_token"),
		Scope:        c.Request.PostFormValue("scope"),
		ClientIP:     c.ClientIP(),
	}

	resp, aerr := h.d.OAuth.Token(c.Request.Context(), req)
	if aerr != nil {
		writeAppError(c, aerr, true)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid     bool     `json:"valid"`
	UserID    string   `json:"user_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// POST /api/tokens/validate
func (h *handlers) validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusOK, validateResponse{Valid: false, Error: "missing token"})
		return
	}
	claims, err := h.d.Issuer.Verify(req.Token)
	if err != nil {
		c.JSON(http.StatusOK, validateResponse{Valid: false, Error: err.Error()})
		return
	}
	var expiresAt int64
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Unix()
	}
	c.JSON(http.StatusOK, validateResponse{
		Valid:     true,
		UserID:    claims.UserID,
		Username:  claims.Username,
		Scopes:    claims.Scopes,
		ExpiresAt: expiresAt,
	})
}

type nodeRequest struct {
	NodeID      string `json:"node_id"`
	EndpointURL string `json:"endpoint_url"`
	Capacity    struct {
		MaxContainers int `json:"max_containers"`
	} `json:"capacity"`
}

type nodeResponse struct {
	Node *nodes.Node `json:"node"`
}

// POST /api/nodes
func (h *handlers) registerNode(c *gin.Context) {
	var req nodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NodeID == "" {
		writeAppError(c, apperrors.BadRequest("node_id is required"), false)
		return
	}
	n, aerr := h.d.Registry.Register(&nodes.Node{
		ID:          req.NodeID,
		EndpointURL: req.EndpointURL,
		Capacity:    nodes.Capacity{MaxContainers: req.Capacity.MaxContainers},
	})
	if aerr != nil {
		writeAppError(c, aerr, false)
		return
	}
	c.JSON(http.StatusOK, nodeResponse{Node: n})
}

type heartbeatRequest struct {
	Metrics nodes.Metrics `json:"metrics"`
}

// PUT /api/nodes/:id/heartbeat
func (h *handlers) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("malformed metrics body"), false)
		return
	}
	n, aerr := h.d.Registry.Heartbeat(c.Param("id"), req.Metrics)
	if aerr != nil {
		writeAppError(c, aerr, false)
		return
	}
	c.JSON(http.StatusOK, nodeResponse{Node: n})
}

// POST /api/nodes/:id/drain
func (h *handlers) drain(c *gin.Context) {
	n, aerr := h.d.Registry.Drain(c.Param("id"))
	if aerr != nil {
		writeAppError(c, aerr, false)
		return
	}
	c.JSON(http.StatusOK, nodeResponse{Node: n})
}

// DELETE /api/nodes/:id
func (h *handlers) deregister(c *gin.Context) {
	if aerr := h.d.Registry.Deregister(c.Param("id")); aerr != nil {
		writeAppError(c, aerr, false)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/nodes
func (h *handlers) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Registry.List())
}

// GET /api/autoscaler/recommendation
func (h *handlers) recommendation(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Autoscaler.GetRecommendation())
}

// POST /api/autoscaler/ack
func (h *handlers) ack(c *gin.Context) {
	h.d.Autoscaler.RecordScalingAction()
	c.Status(http.StatusNoContent)
}

// GET /api/cache/stats
func (h *handlers) cacheStats(c *gin.Context) {
	if h.d.Cache == nil {
		c.JSON(http.StatusOK, map[string]string{"enabled": "false"})
		return
	}
	stats, err := h.d.Cache.Stats(c.Request.Context())
	if err != nil {
		writeAppError(c, apperrors.Internal("failed to read cache stats"), false)
		return
	}
	c.JSON(http.StatusOK, stats)
}
