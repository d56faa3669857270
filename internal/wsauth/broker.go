// Package wsauth implements the WebSocket Auth Broker: authentication
// happens at HTTP-upgrade time, but the connection id is only known once
// the upgrade completes, so the result has to be handed from one to the
// other through a keyed store. Grounded on the teacher's WebSocket
// query-param token handling in internal/auth/middleware.go and the
// connection bookkeeping of internal/websocket/agent_hub.go, generalized
// into the explicit store/transfer/claim operations this needs.
package wsauth

import (
	"strings"
	"sync"
	"time"
)

// AuthType distinguishes how a connection authenticated.
type AuthType string

const (
	AuthTypeMatchToken  AuthType = "match_token"
	AuthTypeAccessToken AuthType = "access_token"
	AuthTypeAPIToken    AuthType = "api_token"
	AuthTypeAnonymous   AuthType = "anonymous"
)

// AuthResult is what the upgrade handshake hands to the connection's
// lifetime.
type AuthResult struct {
	Principal string
	AuthType  AuthType
	Scopes    []string
	ExpiresAt time.Time
}

func (r AuthResult) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Broker is a keyed store of pending/claimed auth results, safe for
// concurrent use. A single mutex covers every operation so ClaimFromQuery
// is atomic with respect to Store and Remove.
type Broker struct {
	mu      sync.Mutex
	entries map[string]AuthResult
}

// New builds an empty Broker.
func New() *Broker {
	return &Broker{entries: make(map[string]AuthResult)}
}

// Store records result under key, typically a token value or a
// path-scoped anonymous key, ahead of the upgrade completing.
func (b *Broker) Store(key string, result AuthResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = result
}

// Transfer moves the entry at fromKey to toKey, leaving fromKey absent. A
// no-op if fromKey holds nothing.
func (b *Broker) Transfer(fromKey, toKey string) (AuthResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.entries[fromKey]
	if !ok {
		return AuthResult{}, false
	}
	delete(b.entries, fromKey)
	b.entries[toKey] = result
	return result, true
}

// Remove deletes key's entry outright.
func (b *Broker) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// RemoveExpired sweeps every entry whose ExpiresAt has passed as of now.
func (b *Broker) RemoveExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, result := range b.entries {
		if result.expired(now) {
			delete(b.entries, key)
		}
	}
}

// ClaimFromQuery resolves the query string of an upgrade request against
// stored entries, in order: match_token param, access token ("token")
// param, api_token param, then a prefix-matched anonymous entry keyed by
// path. On a successful claim the entry is atomically rekeyed from its
// token-derived key to connectionID, so later lookups use the connection
// id alone.
func (b *Broker) ClaimFromQuery(query map[string]string, connectionID, path string, now time.Time) (AuthResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, param := range []string{"match_token", "token", "api_token"} {
		value := query[param]
		if value == "" {
			continue
		}
		if result, ok := b.claimLocked(value, connectionID, now); ok {
			return result, true
		}
	}

	for key, result := range b.entries {
		if result.AuthType != AuthTypeAnonymous {
			continue
		}
		if !strings.HasPrefix(key, "anon:"+path) {
			continue
		}
		if result.expired(now) {
			delete(b.entries, key)
			continue
		}
		delete(b.entries, key)
		b.entries[connectionID] = result
		return result, true
	}

	return AuthResult{}, false
}

func (b *Broker) claimLocked(key, connectionID string, now time.Time) (AuthResult, bool) {
	result, ok := b.entries[key]
	if !ok {
		return AuthResult{}, false
	}
	if result.expired(now) {
		delete(b.entries, key)
		return AuthResult{}, false
	}
	delete(b.entries, key)
	b.entries[connectionID] = result
	return result, true
}

// AnonymousKey builds the path-scoped key Store should use for an
// anonymous (tokenless) upgrade entry, so ClaimFromQuery's prefix match
// can find it.
func AnonymousKey(path string) string {
	return "anon:" + path
}
