// Package tokens implements JWT signing and verification for the control
// plane's access and match tokens.
//
// TOKEN LIFECYCLE:
//
// 1. A grant succeeds in the token service (or a match token is requested).
// 2. Issue signs a compact JWS carrying the effective scopes and subject
//    identity.
// 3. The caller attaches it as an Authorization: Bearer header.
// 4. Verify checks the signature, expiry, and issuer before the claims are
//    trusted anywhere else in the system.
//
// SECURITY:
//
//   - Signs with RS256 when an asymmetric key pair is configured, otherwise
//     falls back to HS256 with a shared secret.
//   - Verify explicitly checks the token's signing method against the
//     configured algorithm before trusting claims, closing the classic
//     algorithm-substitution hole (an attacker-supplied "alg":"none" or a
//     swapped HMAC/RSA method is rejected outright).
//   - Access tokens are stateless and carry no revocation list; revocation
//     is via short lifetimes. Refresh tokens (see the oauth package) and
//     match-token records (see the matchtoken package) carry their own
//     revocation state.
package tokens

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/riftline/control-plane/internal/clock"
)

// Claims is the JWT payload shape the spec's JWT format section pins down:
// iss, sub, iat, exp, scopes, plus the optional identity fields and the
// match-token extension fields.
type Claims struct {
	Scopes   []string `json:"scopes"`
	Roles    []string `json:"roles,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
	Username string   `json:"username,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	UPN      string   `json:"upn,omitempty"`

	// Match-token extension fields (only set on MatchToken JWTs).
	MatchID      string `json:"match_id,omitempty"`
	ContainerID  string `json:"container_id,omitempty"`
	PlayerID     string `json:"player_id,omitempty"`
	PlayerName   string `json:"player_name,omitempty"`
	MatchTokenID string `json:"match_token_id,omitempty"`

	jwt.RegisteredClaims
}

// Config configures the Issuer.
type Config struct {
	// Issuer is stamped into every token's iss claim and checked on verify.
	Issuer string
	// Audience, if set, is stamped and enforced on verify.
	Audience string
	// RSAPrivateKey, if non-nil, selects RS256 signing.
	RSAPrivateKey *rsa.PrivateKey
	// RSAPublicKey must be set alongside RSAPrivateKey for verification.
	RSAPublicKey *rsa.PublicKey
	// HMACSecret is used for HS256 signing when no RSA key pair is
	// configured.
	HMACSecret []byte
}

// Issuer signs and verifies access tokens and match tokens.
type Issuer struct {
	cfg   Config
	clock clock.Clock
}

// New builds an Issuer. It panics if neither an RSA key pair nor an HMAC
// secret is configured -- that is a startup-time configuration error, not a
// runtime one.
func New(cfg Config, c clock.Clock) *Issuer {
	if cfg.RSAPrivateKey == nil && len(cfg.HMACSecret) == 0 {
		panic("tokens: neither an RSA key pair nor an HMAC secret is configured")
	}
	if cfg.Issuer == "" {
		panic("tokens: issuer must not be empty")
	}
	return &Issuer{cfg: cfg, clock: c}
}

func (i *Issuer) signingMethod() jwt.SigningMethod {
	if i.cfg.RSAPrivateKey != nil {
		return jwt.SigningMethodRS256
	}
	return jwt.SigningMethodHS256
}

func (i *Issuer) signingKey() interface{} {
	if i.cfg.RSAPrivateKey != nil {
		return i.cfg.RSAPrivateKey
	}
	return i.cfg.HMACSecret
}

// Issue signs a compact JWS carrying claims, with iss/iat/exp filled in from
// ttl and the injected clock. subject is stamped into the sub claim.
func (i *Issuer) Issue(subject string, claims Claims, ttl time.Duration) (string, error) {
	now := i.clock.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    i.cfg.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if i.cfg.Audience != "" {
		claims.RegisteredClaims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	token := jwt.NewWithClaims(i.signingMethod(), &claims)
	return token.SignedString(i.signingKey())
}

var (
	// ErrSignatureInvalid covers both malformed tokens and an algorithm
	// mismatch against the issuer's configuration.
	ErrSignatureInvalid = errors.New("tokens: signature invalid")
	// ErrExpired is returned when exp has already passed per the injected
	// clock.
	ErrExpired = errors.New("tokens: token expired")
	// ErrIssuerMismatch is returned when iss does not match the configured
	// issuer.
	ErrIssuerMismatch = errors.New("tokens: issuer mismatch")
	// ErrAudienceMismatch is returned when an audience is configured and the
	// token's aud claim does not contain it.
	ErrAudienceMismatch = errors.New("tokens: audience mismatch")
)

// Verify checks a compact JWS's signature, expiry, and issuer, and returns
// its claims.
//
// The signing method on the parsed token is checked against the issuer's
// own configured method before the key is ever looked at -- an attacker
// cannot coerce verification into accepting an HMAC-signed token keyed by
// the RSA public key material, or vice versa.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		switch i.signingMethod().(type) {
		case *jwt.SigningMethodRSA:
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("%w: unexpected signing method %v", ErrSignatureInvalid, t.Header["alg"])
			}
			return i.cfg.RSAPublicKey, nil
		default:
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("%w: unexpected signing method %v", ErrSignatureInvalid, t.Header["alg"])
			}
			return i.cfg.HMACSecret, nil
		}
	}, jwt.WithTimeFunc(i.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !token.Valid {
		return nil, ErrSignatureInvalid
	}
	if claims.Issuer != i.cfg.Issuer {
		return nil, ErrIssuerMismatch
	}
	if i.cfg.Audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == i.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrAudienceMismatch
		}
	}
	return claims, nil
}
