package wsauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStoreAndTransfer(t *testing.T) {
	b := New()
	b.Store("token-abc", AuthResult{Principal: "user-1", AuthType: AuthTypeAccessToken})

	result, ok := b.Transfer("token-abc", "conn-1")
	assert.True(t, ok)
	assert.Equal(t, "user-1", result.Principal)

	_, ok = b.Transfer("token-abc", "conn-2")
	assert.False(t, ok, "fromKey should be empty after a successful transfer")
}

func TestClaimFromQueryPrefersMatchTokenOverOthers(t *testing.T) {
	b := New()
	b.Store("match-tok", AuthResult{Principal: "match-claim", AuthType: AuthTypeMatchToken})
	b.Store("access-tok", AuthResult{Principal: "access-claim", AuthType: AuthTypeAccessToken})

	result, ok := b.ClaimFromQuery(map[string]string{"match_token": "match-tok", "token": "access-tok"}, "conn-1", "/ws/errors", time.Now())
	assert.True(t, ok)
	assert.Equal(t, "match-claim", result.Principal)
}

func TestClaimFromQueryRekeysToConnectionID(t *testing.T) {
	b := New()
	b.Store("tok", AuthResult{Principal: "user-1", AuthType: AuthTypeAccessToken})

	_, ok := b.ClaimFromQuery(map[string]string{"token": "tok"}, "conn-1", "/ws/errors", time.Now())
	assert.True(t, ok)

	_, ok = b.ClaimFromQuery(map[string]string{"token": "tok"}, "conn-2", "/ws/errors", time.Now())
	assert.False(t, ok, "the claimed entry should have moved to conn-1, not be claimable again by token")
}

func TestClaimFromQueryRejectsExpiredEntry(t *testing.T) {
	b := New()
	now := time.Now()
	b.Store("tok", AuthResult{Principal: "user-1", AuthType: AuthTypeAccessToken, ExpiresAt: now.Add(-time.Minute)})

	_, ok := b.ClaimFromQuery(map[string]string{"token": "tok"}, "conn-1", "/ws/errors", now)
	assert.False(t, ok)
}

func TestClaimFromQueryFallsBackToAnonymousPathPrefix(t *testing.T) {
	b := New()
	b.Store(AnonymousKey("/ws/errors"), AuthResult{AuthType: AuthTypeAnonymous})

	result, ok := b.ClaimFromQuery(map[string]string{}, "conn-1", "/ws/errors", time.Now())
	assert.True(t, ok)
	assert.Equal(t, AuthTypeAnonymous, result.AuthType)
}

func TestClaimFromQueryAnonymousFallbackRespectsPathPrefix(t *testing.T) {
	b := New()
	b.Store(AnonymousKey("/ws/other"), AuthResult{AuthType: AuthTypeAnonymous})

	_, ok := b.ClaimFromQuery(map[string]string{}, "conn-1", "/ws/errors", time.Now())
	assert.False(t, ok)
}

func TestRemoveExpiredSweepsOnlyExpiredEntries(t *testing.T) {
	b := New()
	now := time.Now()
	b.Store("expired", AuthResult{ExpiresAt: now.Add(-time.Second)})
	b.Store("fresh", AuthResult{ExpiresAt: now.Add(time.Hour)})

	b.RemoveExpired(now)

	_, ok := b.Transfer("expired", "x")
	assert.False(t, ok)
	_, ok = b.Transfer("fresh", "x")
	assert.True(t, ok)
}

func TestRemoveDeletesEntryOutright(t *testing.T) {
	b := New()
	b.Store("key", AuthResult{})
	b.Remove("key")
	_, ok := b.Transfer("key", "x")
	assert.False(t, ok)
}
