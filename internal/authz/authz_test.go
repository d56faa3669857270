package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftline/control-plane/internal/clock"
	"github.com/riftline/control-plane/internal/tokens"
)

// fakeExchanger is a TokenExchanger stub that counts calls so tests can
// assert the TokenExchangeCache actually short-circuits repeat lookups.
type fakeExchanger struct {
	claims *tokens.Claims
	err    error
	calls  int
}

func (f *fakeExchanger) ExchangeAPIToken(ctx context.Context, apiToken string) (*tokens.Claims, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.claims, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestIssuer() *tokens.Issuer {
	return tokens.New(tokens.Config{Issuer: "authz-test", HMACSecret: []byte("test-secret-test-secret")}, clock.NewManual(time.Now()))
}

func newTestRouter(f *Filter) *gin.Engine {
	r := gin.New()
	r.GET("/nodes/:id", f.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{}, nil, nil)
	r := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{}, nil, nil)
	r := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareAllowsAuthenticatedRouteWithNoPolicy(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{}, nil, nil)
	r := newTestRouter(f)

	tok, err := issuer.Issue("sub-1", tokens.Claims{}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareEnforcesRequireAny(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{
		"GET /nodes/:id": {RequireAny: []string{"control-plane.nodes.read"}},
	}, nil, nil)
	r := newTestRouter(f)

	tok, err := issuer.Issue("sub-1", tokens.Claims{Scopes: []string{"control-plane.other"}}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddlewareEnforcesRequireAll(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{
		"GET /nodes/:id": {RequireAll: []string{"control-plane.nodes.read", "control-plane.nodes.write"}},
	}, nil, nil)
	r := newTestRouter(f)

	tok, err := issuer.Issue("sub-1", tokens.Claims{Scopes: []string{"control-plane.nodes.read"}}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddlewarePassesWhenAllScopesSatisfied(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{
		"GET /nodes/:id": {RequireAll: []string{"control-plane.nodes.read", "control-plane.nodes.write"}},
	}, nil, nil)
	r := newTestRouter(f)

	tok, err := issuer.Issue("sub-1", tokens.Claims{Scopes: []string{"control-plane.nodes.read", "control-plane.nodes.write"}}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareDenialOnWebSocketUpgradeIsStatusOnlyNoBody(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{}, nil, nil)
	r := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestMiddlewareDenialOffWebSocketIncludesJSONBody(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{}, nil, nil)
	r := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestBearerFromRequestPrefersAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=query-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	c := &gin.Context{Request: req}
	assert.Equal(t, "header-token", bearerFromRequest(c, true))
}

func TestBearerFromRequestFallsBackToWebSocketSubprotocol(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "json, Bearer.proto-token")
	c := &gin.Context{Request: req}
	assert.Equal(t, "proto-token", bearerFromRequest(c, true))
}

func TestBearerFromRequestFallsBackToQueryParamOnlyForWebSocket(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=query-token", nil)
	c := &gin.Context{Request: req}
	assert.Equal(t, "query-token", bearerFromRequest(c, true))
	assert.Equal(t, "", bearerFromRequest(c, false))
}

func TestIsWebSocketUpgradeRequiresBothHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Upgrade", "websocket")
	assert.False(t, isWebSocketUpgrade(req))

	req.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, isWebSocketUpgrade(req))
}

func TestMiddlewareExchangesApiTokenHeaderWhenNoAuthorizationHeader(t *testing.T) {
	issuer := newTestIssuer()
	exchanger := &fakeExchanger{claims: &tokens.Claims{Subject: "svc-1", Scopes: []string{"control-plane.nodes.read"}}}
	cache, err := NewTokenExchangeCache(8, time.Minute)
	require.NoError(t, err)

	f := New(issuer, PolicyTable{}, exchanger, cache)
	r := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("X-Api-Token", "durable-api-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, exchanger.calls)
}

func TestMiddlewareCachesApiTokenExchangeResult(t *testing.T) {
	issuer := newTestIssuer()
	exchanger := &fakeExchanger{claims: &tokens.Claims{Subject: "svc-1"}}
	cache, err := NewTokenExchangeCache(8, time.Minute)
	require.NoError(t, err)

	f := New(issuer, PolicyTable{}, exchanger, cache)
	r := newTestRouter(f)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
		req.Header.Set("X-Api-Token", "durable-api-token")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, 1, exchanger.calls)
}

func TestMiddlewareRejectsFailedApiTokenExchange(t *testing.T) {
	issuer := newTestIssuer()
	exchanger := &fakeExchanger{err: errors.New("boom")}
	cache, err := NewTokenExchangeCache(8, time.Minute)
	require.NoError(t, err)

	f := New(issuer, PolicyTable{}, exchanger, cache)
	r := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("X-Api-Token", "bad-api-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareIgnoresApiTokenWhenExchangerNotConfigured(t *testing.T) {
	issuer := newTestIssuer()
	f := New(issuer, PolicyTable{}, nil, nil)
	r := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	req.Header.Set("X-Api-Token", "durable-api-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenExchangeCacheExpiresEntriesByTTL(t *testing.T) {
	c, err := NewTokenExchangeCache(8, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	claims := &tokens.Claims{Subject: "sub-1"}
	c.Put("tok", claims, now)

	got, ok := c.Get("tok", now.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, "sub-1", got.Subject)

	_, ok = c.Get("tok", now.Add(2*time.Minute))
	assert.False(t, ok)
}
