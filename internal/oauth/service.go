// Package oauth implements the Token Service: the OAuth2 grant dispatcher,
// refresh-token rotation, and token exchange described in the control
// plane's Auth Core. Grant handling follows the "exceptions-for-control-flow
// become tagged result variants" pattern used across the codebase -- every
// failure path returns an *apperrors.AppError instead of a bare error, so
// the port layer can map it straight to an HTTP status and OAuth2 error
// code without re-inspecting strings.
package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riftline/control-plane/internal/apperrors"
	"github.com/riftline/control-plane/internal/authdelay"
	"github.com/riftline/control-plane/internal/clock"
	"github.com/riftline/control-plane/internal/identity"
	"github.com/riftline/control-plane/internal/logger"
	"github.com/riftline/control-plane/internal/ratelimit"
	"github.com/riftline/control-plane/internal/scopes"
	"github.com/riftline/control-plane/internal/tokens"
)

// passwordGrantFloor is the minimum wall-clock time a password-grant
// attempt takes regardless of outcome, so a failed username lookup and a
// failed password comparison are indistinguishable to a timing observer.
const passwordGrantFloor = 200 * time.Millisecond

// GrantType enumerates the grants the dispatcher understands.
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantTokenExchange     GrantType = "token_exchange"
)

// TokenRequest is the parsed form body of POST /oauth2/token, plus the
// caller's IP for rate-limit keying.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	RefreshToken string
	SubjectToken string
	Scope        string
	ClientIP     string
}

// TokenResponse is the RFC 6749 Sec. 5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TTLConfig carries the per-grant token lifetimes from config.
type TTLConfig struct {
	ServiceTokenTTL time.Duration
	UserTokenTTL    time.Duration
	RefreshTokenTTL time.Duration
}

// Service dispatches OAuth2 grants.
type Service struct {
	identity identity.Store
	issuer   *tokens.Issuer
	refresh  RefreshStore
	limiter  ratelimit.Limiter
	clock    clock.Clock
	ttl      TTLConfig
}

// New builds a Service.
func New(store identity.Store, issuer *tokens.Issuer, refresh RefreshStore, limiter ratelimit.Limiter, c clock.Clock, ttl TTLConfig) *Service {
	return &Service{identity: store, issuer: issuer, refresh: refresh, limiter: limiter, clock: c, ttl: ttl}
}

// Token dispatches req.GrantType to the matching grant handler.
func (s *Service) Token(ctx context.Context, req TokenRequest) (*TokenResponse, *apperrors.AppError) {
	if req.GrantType == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "grant_type is required")
	}

	rateKey := fmt.Sprintf("client:%s|ip:%s", req.ClientID, req.ClientIP)
	if req.Username != "" {
		rateKey = fmt.Sprintf("user:%s|ip:%s", req.Username, req.ClientIP)
	}
	if !s.limiter.TryAcquire(rateKey) {
		return nil, apperrors.RateLimited(s.limiter.RetryAfter(rateKey))
	}

	var (
		resp *TokenResponse
		aerr *apperrors.AppError
	)
	switch GrantType(req.GrantType) {
	case GrantClientCredentials:
		resp, aerr = s.clientCredentials(req)
	case GrantPassword:
		resp, aerr = s.password(req)
	case GrantRefreshToken:
		resp, aerr = s.refreshGrant(ctx, req)
	case GrantTokenExchange:
		resp, aerr = s.tokenExchange(req)
	default:
		aerr = apperrors.New(apperrors.KindUnsupportedGrant, fmt.Sprintf("unsupported grant_type %q", req.GrantType))
	}
	s.audit(req, aerr)
	return resp, aerr
}

// audit logs every grant attempt's outcome without ever logging a secret,
// password, or token value -- only identifiers and the result kind.
func (s *Service) audit(req TokenRequest, aerr *apperrors.AppError) {
	event := logger.OAuth().Info()
	if aerr != nil {
		event = logger.OAuth().Warn()
	}
	event = event.Str("grant_type", req.GrantType).Str("client_id", req.ClientID)
	if req.Username != "" {
		event = event.Str("username", req.Username)
	}
	if aerr != nil {
		event.Str("result", string(aerr.Kind)).Msg("token grant denied")
		return
	}
	event.Str("result", "issued").Msg("token grant issued")
}

func (s *Service) authenticateClient(clientID, secret string) (*identity.ServiceClient, *apperrors.AppError) {
	if clientID == "" {
		return nil, apperrors.New(apperrors.KindInvalidClient, "client_id is required")
	}
	client, err := s.identity.GetClient(clientID)
	if err != nil {
		return nil, apperrors.NewOAuth2(apperrors.KindClientNotFound, apperrors.KindInvalidClient, "unknown client")
	}
	if !client.Enabled {
		return nil, apperrors.NewOAuth2(apperrors.KindClientDisabled, apperrors.KindInvalidClient, "client disabled")
	}
	if client.Kind == identity.KindConfidential {
		if _, err := s.identity.AuthenticateClient(clientID, secret); err != nil {
			return nil, apperrors.New(apperrors.KindInvalidClient, "invalid client secret")
		}
	}
	return client, nil
}

func grantAllowed(client *identity.ServiceClient, grant GrantType) bool {
	for _, g := range client.AllowedGrants {
		if g == string(grant) {
			return true
		}
	}
	return false
}

func (s *Service) issueAccessToken(subject string, effectiveScopes []string, claims tokens.Claims, ttl time.Duration) (string, *apperrors.AppError) {
	claims.Scopes = effectiveScopes
	jwt, err := s.issuer.Issue(subject, claims, ttl)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "failed to sign access token", err)
	}
	return jwt, nil
}

func (s *Service) clientCredentials(req TokenRequest) (*TokenResponse, *apperrors.AppError) {
	client, aerr := s.authenticateClient(req.ClientID, req.ClientSecret)
	if aerr != nil {
		return nil, aerr
	}
	if !grantAllowed(client, GrantClientCredentials) {
		return nil, apperrors.New(apperrors.KindUnauthorizedClient, "client not allowed to use client_credentials")
	}

	requested := scopes.ParseSpaceDelimited(req.Scope)
	if !scopes.Subset(client.AllowedScopes, requested) {
		return nil, apperrors.InvalidScope("requested scope exceeds client's allowed scopes")
	}
	effective := scopes.Intersect(client.AllowedScopes, requested)

	jwt, aerr := s.issueAccessToken(client.ClientID, effective, tokens.Claims{ClientID: client.ClientID}, s.ttl.ServiceTokenTTL)
	if aerr != nil {
		return nil, aerr
	}
	return &TokenResponse{
		AccessToken: jwt,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.ttl.ServiceTokenTTL.Seconds()),
		Scope:       scopes.JoinSpaceDelimited(effective),
	}, nil
}

func (s *Service) password(req TokenRequest) (*TokenResponse, *apperrors.AppError) {
	client, aerr := s.authenticateClient(req.ClientID, req.ClientSecret)
	if aerr != nil {
		return nil, aerr
	}
	if client.Kind != identity.KindConfidential {
		return nil, apperrors.New(apperrors.KindUnauthorizedClient, "public clients may not use the password grant")
	}
	if !grantAllowed(client, GrantPassword) {
		return nil, apperrors.New(apperrors.KindUnauthorizedClient, "client not allowed to use password grant")
	}
	if req.Username == "" || req.Password == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "username and password are required")
	}

	attemptStart := time.Now()
	user, err := s.identity.AuthenticateUser(req.Username, req.Password)
	authdelay.Gate(attemptStart, passwordGrantFloor)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInvalidGrant, "invalid username or password")
	}

	userScopes, err := s.identity.ResolveScopes(user.UserID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to resolve user scopes", err)
	}
	requested := scopes.ParseSpaceDelimited(req.Scope)
	if !scopes.Subset(userScopes, requested) || !scopes.Subset(client.AllowedScopes, requested) {
		return nil, apperrors.InvalidScope("requested scope exceeds granted scopes")
	}
	effective := scopes.Intersect(scopes.Intersect(userScopes, client.AllowedScopes), requested)
	if len(requested) == 0 {
		effective = scopes.Intersect(userScopes, client.AllowedScopes)
	}

	claims := tokens.Claims{UserID: user.UserID, Username: user.Username, ClientID: client.ClientID}
	accessJWT, aerr := s.issueAccessToken(user.UserID, effective, claims, s.ttl.UserTokenTTL)
	if aerr != nil {
		return nil, aerr
	}

	refreshValue, aerr := s.issueRefreshToken(user.UserID, client.ClientID, effective, "")
	if aerr != nil {
		return nil, aerr
	}

	return &TokenResponse{
		AccessToken:  accessJWT,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.ttl.UserTokenTTL.Seconds()),
		Scope:        scopes.JoinSpaceDelimited(effective),
		RefreshToken: refreshValue,
	}, nil
}

func (s *Service) issueRefreshToken(subject, clientID string, effective []string, rotatedFrom string) (string, *apperrors.AppError) {
	opaque := uuid.NewString() + uuid.NewString()
	now := s.clock.Now()
	rt := &RefreshToken{
		TokenID:         uuid.NewString(),
		OpaqueValueHash: HashOpaqueValue(opaque),
		Subject:         subject,
		ClientID:        clientID,
		Scopes:          effective,
		IssuedAt:        now,
		ExpiresAt:       now.Add(s.ttl.RefreshTokenTTL),
		RotatedFrom:     rotatedFrom,
	}
	rt.ChainRootID = rt.TokenID
	if rotatedFrom != "" {
		if prev, err := s.refresh.FindByHash(context.Background(), HashOpaqueValue(rotatedFrom)); err == nil {
			rt.ChainRootID = prev.ChainRootID
		}
	}
	if err := s.refresh.Save(context.Background(), rt, s.ttl.RefreshTokenTTL); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "failed to store refresh token", err)
	}
	return opaque, nil
}

// refreshGrant implements single-use rotation: the presented token is
// looked up by its hash, rejected if missing/expired/already-revoked, then
// revoked and replaced atomically via the store's compare-and-set Revoke.
// Reuse of an already-revoked token is treated as a leak and revokes the
// entire chain from its root.
func (s *Service) refreshGrant(ctx context.Context, req TokenRequest) (*TokenResponse, *apperrors.AppError) {
	if req.RefreshToken == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "refresh_token is required")
	}
	hash := HashOpaqueValue(req.RefreshToken)
	rt, err := s.refresh.FindByHash(ctx, hash)
	if err != nil {
		return nil, apperrors.InvalidGrant("refresh token not found or expired")
	}
	if rt.RevokedAt != nil {
		_ = s.refresh.RevokeChain(ctx, rt.ChainRootID, s.clock.Now())
		return nil, apperrors.InvalidGrant("refresh token already used; rotation chain revoked")
	}

	ok, err := s.refresh.Revoke(ctx, rt.TokenID, s.clock.Now())
	if err != nil || !ok {
		return nil, apperrors.InvalidGrant("refresh token already used; rotation chain revoked")
	}

	if _, err := s.identity.GetClient(rt.ClientID); err != nil {
		return nil, apperrors.New(apperrors.KindInvalidClient, "unknown client")
	}

	newAccess, aerr2 := s.issueAccessToken(rt.Subject, rt.Scopes, tokens.Claims{UserID: rt.Subject, ClientID: rt.ClientID}, s.ttl.UserTokenTTL)
	if aerr2 != nil {
		return nil, aerr2
	}
	newRefresh, aerr2 := s.issueRefreshToken(rt.Subject, rt.ClientID, rt.Scopes, req.RefreshToken)
	if aerr2 != nil {
		return nil, aerr2
	}

	return &TokenResponse{
		AccessToken:  newAccess,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.ttl.UserTokenTTL.Seconds()),
		Scope:        scopes.JoinSpaceDelimited(rt.Scopes),
		RefreshToken: newRefresh,
	}, nil
}

// tokenExchange resolves a subject_token (itself a previously issued
// access token) and reissues an access token scoped to the subject's
// effective scopes, optionally narrowed by the requested scope.
func (s *Service) tokenExchange(req TokenRequest) (*TokenResponse, *apperrors.AppError) {
	client, aerr := s.authenticateClient(req.ClientID, req.ClientSecret)
	if aerr != nil {
		return nil, aerr
	}
	if !grantAllowed(client, GrantTokenExchange) {
		return nil, apperrors.New(apperrors.KindUnauthorizedClient, "client not allowed to use token_exchange")
	}
	if req.SubjectToken == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "subject_token is required")
	}

	subjectClaims, err := s.issuer.Verify(req.SubjectToken)
	if err != nil {
		return nil, apperrors.InvalidGrant("subject_token is invalid or expired")
	}

	requested := scopes.ParseSpaceDelimited(req.Scope)
	if !scopes.Subset(subjectClaims.Scopes, requested) {
		return nil, apperrors.InvalidScope("requested scope exceeds subject token's scopes")
	}
	effective := scopes.Intersect(subjectClaims.Scopes, requested)

	jwt, aerr := s.issueAccessToken(subjectClaims.Subject, effective, tokens.Claims{
		UserID:   subjectClaims.UserID,
		Username: subjectClaims.Username,
		ClientID: client.ClientID,
	}, s.ttl.ServiceTokenTTL)
	if aerr != nil {
		return nil, aerr
	}
	return &TokenResponse{
		AccessToken: jwt,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.ttl.ServiceTokenTTL.Seconds()),
		Scope:       scopes.JoinSpaceDelimited(effective),
	}, nil
}

// ExchangeAPIToken resolves a long-lived API token to the claims of the
// session it represents, implementing authz.TokenExchanger for the
// Authorization Filter's X-Api-Token header path. Unlike the token_exchange
// grant above, there is no client_id/client_secret round trip -- the caller
// already holds the durable credential -- but the issuing client is
// re-checked against the identity store on every call so a disabled client's
// outstanding API tokens stop working before they expire.
func (s *Service) ExchangeAPIToken(ctx context.Context, apiToken string) (*tokens.Claims, error) {
	claims, err := s.issuer.Verify(apiToken)
	if err != nil {
		return nil, fmt.Errorf("oauth: api token invalid or expired: %w", err)
	}
	if claims.ClientID != "" {
		client, err := s.identity.GetClient(claims.ClientID)
		if err != nil {
			return nil, fmt.Errorf("oauth: api token's issuing client not found: %w", err)
		}
		if !client.Enabled {
			return nil, fmt.Errorf("oauth: api token's issuing client is disabled")
		}
	}
	return claims, nil
}
