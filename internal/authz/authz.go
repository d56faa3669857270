// Package authz implements the Authorization Filter: gin middleware that
// extracts a bearer token, verifies it, and checks the caller's scopes
// against a declarative policy, generalizing the teacher's JWT middleware
// (internal/auth/middleware.go) from a session-backed user lookup to the
// control plane's stateless claims check, and its WebSocket dual-response
// handling (status-only on upgrade requests, JSON body otherwise) carried
// over unchanged -- a JSON error body written mid-handshake breaks the
// upgrade.
package authz

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/riftline/control-plane/internal/apperrors"
	"github.com/riftline/control-plane/internal/authdelay"
	"github.com/riftline/control-plane/internal/logger"
	"github.com/riftline/control-plane/internal/scopes"
	"github.com/riftline/control-plane/internal/tokens"
)

const (
	ctxClaims = "authz.claims"

	// apiTokenHeader carries a long-lived API token for server-to-server
	// callers that would rather hold one durable credential than refresh a
	// short-lived bearer token. It is only consulted when no Authorization
	// header is present.
	apiTokenHeader = "X-Api-Token"

	// unauthorizedFloor is the minimum wall-clock duration of a request that
	// fails authentication, the same floor the password grant uses.
	unauthorizedFloor = 200 * time.Millisecond
)

// TokenExchanger resolves a long-lived API token to the claims of the
// session it represents, the same narrowing internal/oauth's token_exchange
// grant performs for a subject_token, reachable without the client_id/
// client_secret round trip a public grant requires.
type TokenExchanger interface {
	ExchangeAPIToken(ctx context.Context, apiToken string) (*tokens.Claims, error)
}

// Policy declares the scope requirement for one route.
type Policy struct {
	// RequireAny passes if the caller holds at least one of these scopes.
	// RequireAll passes only if the caller holds every one. A Policy may
	// set either, both, or neither (neither means authenticated-only).
	RequireAny []string
	RequireAll []string
}

// PolicyTable maps "METHOD path" to its Policy, path taken verbatim from
// gin's registered route template (e.g. "GET /api/nodes/:id").
type PolicyTable map[string]Policy

func (t PolicyTable) lookup(method, path string) (Policy, bool) {
	p, ok := t[method+" "+path]
	return p, ok
}

// Filter is the Authorization Filter.
type Filter struct {
	issuer        *tokens.Issuer
	policies      PolicyTable
	exchanger     TokenExchanger
	exchangeCache *TokenExchangeCache
	clock         func() time.Time
}

// New builds a Filter over an Issuer and a policy table. A route with no
// entry in the table is authenticated-only: token required, no scope check.
// exchanger and cache may both be nil, disabling the X-Api-Token path
// entirely -- bearerFromRequest's usual Authorization/subprotocol/query
// lookup still applies.
func New(issuer *tokens.Issuer, policies PolicyTable, exchanger TokenExchanger, cache *TokenExchangeCache) *Filter {
	return &Filter{issuer: issuer, policies: policies, exchanger: exchanger, exchangeCache: cache, clock: time.Now}
}

// Middleware is the gin.HandlerFunc enforcing policy on every request it
// wraps.
func (f *Filter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		isWebSocket := isWebSocketUpgrade(c.Request)

		claims, aerr := f.authenticate(c, isWebSocket)
		if aerr != nil {
			authdelay.Gate(start, unauthorizedFloor)
			f.deny(c, isWebSocket, aerr)
			return
		}

		policy, ok := f.policies.lookup(c.Request.Method, c.FullPath())
		if ok {
			if len(policy.RequireAny) > 0 && !scopes.HasAny(claims.Scopes, policy.RequireAny...) {
				f.deny(c, isWebSocket, apperrors.Forbidden(policy.RequireAny))
				return
			}
			if len(policy.RequireAll) > 0 {
				if missing := scopes.Missing(claims.Scopes, policy.RequireAll...); len(missing) > 0 {
					f.deny(c, isWebSocket, apperrors.Forbidden(missing))
					return
				}
			}
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// authenticate resolves claims for the request, trying a bearer token first
// and falling back to an X-Api-Token exchange when no Authorization header
// is present and a TokenExchanger is configured.
func (f *Filter) authenticate(c *gin.Context, isWebSocket bool) (*tokens.Claims, *apperrors.AppError) {
	if tokenString := bearerFromRequest(c, isWebSocket); tokenString != "" {
		claims, err := f.issuer.Verify(tokenString)
		if err != nil {
			return nil, apperrors.Unauthorized("invalid or expired token")
		}
		return claims, nil
	}

	if apiToken := c.GetHeader(apiTokenHeader); apiToken != "" && f.exchanger != nil {
		return f.exchangeAPIToken(c, apiToken)
	}

	return nil, apperrors.Unauthorized("missing bearer token")
}

// exchangeAPIToken resolves an X-Api-Token header to claims, consulting the
// TokenExchangeCache before calling the exchanger so a hot path of repeated
// calls from the same long-lived caller doesn't re-hit the identity store
// on every request.
func (f *Filter) exchangeAPIToken(c *gin.Context, apiToken string) (*tokens.Claims, *apperrors.AppError) {
	now := f.clock()
	if f.exchangeCache != nil {
		if claims, ok := f.exchangeCache.Get(apiToken, now); ok {
			return claims, nil
		}
	}

	claims, err := f.exchanger.ExchangeAPIToken(c.Request.Context(), apiToken)
	if err != nil {
		return nil, apperrors.Unauthorized("invalid or expired api token")
	}

	if f.exchangeCache != nil {
		f.exchangeCache.Put(apiToken, claims, now)
	}
	return claims, nil
}

func (f *Filter) deny(c *gin.Context, isWebSocket bool, aerr *apperrors.AppError) {
	logger.Security().Warn().
		Str("path", c.FullPath()).
		Str("method", c.Request.Method).
		Str("result", string(aerr.Kind)).
		Msg("authorization denied")
	if isWebSocket {
		c.AbortWithStatus(aerr.StatusCode)
		return
	}
	c.JSON(aerr.StatusCode, aerr.ToResponse())
	c.Abort()
}

// Claims returns the verified claims a prior Middleware call attached to
// the request, if any.
func Claims(c *gin.Context) (*tokens.Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*tokens.Claims)
	return claims, ok
}

func isWebSocketUpgrade(r *http.Request) bool {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	connection := strings.ToLower(r.Header.Get("Connection"))
	return upgrade == "websocket" && strings.Contains(connection, "upgrade")
}

// bearerFromRequest extracts a token from, in order: the Authorization
// header, the Sec-WebSocket-Protocol subprotocol ("Bearer.<token>", the
// form browsers' native WebSocket API can send without a header), and
// finally (WebSocket upgrades only) the "token" query parameter, for
// clients too constrained to set either.
func bearerFromRequest(c *gin.Context, isWebSocket bool) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	if proto := c.GetHeader("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, "Bearer.") {
				return strings.TrimPrefix(p, "Bearer.")
			}
		}
	}
	if isWebSocket {
		return c.Query("token")
	}
	return ""
}

// TokenExchangeCache is an LRU+TTL cache in front of an expensive
// subject-token lookup (e.g. an upstream API-token exchange), sized and
// bounded so a flood of distinct bad tokens cannot grow it without limit.
type TokenExchangeCache struct {
	cache *lru.Cache[string, exchangeEntry]
	ttl   time.Duration
}

type exchangeEntry struct {
	claims   *tokens.Claims
	cachedAt time.Time
}

// NewTokenExchangeCache builds a bounded cache of size entries, each valid
// for ttl after insertion.
func NewTokenExchangeCache(size int, ttl time.Duration) (*TokenExchangeCache, error) {
	c, err := lru.New[string, exchangeEntry](size)
	if err != nil {
		return nil, err
	}
	return &TokenExchangeCache{cache: c, ttl: ttl}, nil
}

// Get returns a cached exchange result for token if present and not past
// its ttl.
func (t *TokenExchangeCache) Get(token string, now time.Time) (*tokens.Claims, bool) {
	entry, ok := t.cache.Get(token)
	if !ok {
		return nil, false
	}
	if now.Sub(entry.cachedAt) >= t.ttl {
		t.cache.Remove(token)
		return nil, false
	}
	return entry.claims, true
}

// Put caches an exchange result for token.
func (t *TokenExchangeCache) Put(token string, claims *tokens.Claims, now time.Time) {
	t.cache.Add(token, exchangeEntry{claims: claims, cachedAt: now})
}
