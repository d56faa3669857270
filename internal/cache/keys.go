// Key naming conventions for the control plane's Redis-backed stores:
// refresh tokens, match tokens, and sliding-window rate-limit buckets.
// Format: {prefix}:{identifier}, with pattern-builders for bulk
// invalidation on rotation-chain revocation.
package cache

import "fmt"

const (
	PrefixRefreshToken = "refresh"
	PrefixMatchToken   = "match_token"
	PrefixRateLimit    = "ratelimit"
)

func RefreshTokenKey(tokenIDHash string) string {
	return fmt.Sprintf("%s:%s", PrefixRefreshToken, tokenIDHash)
}

// RefreshChainMemberKey indexes a rotation chain's members by token id
// (the stored value is the member's hash), so RevokeChain can find every
// member's record through one RefreshChainPattern scan.
func RefreshChainMemberKey(chainRootID, tokenID string) string {
	return fmt.Sprintf("%s:chain:%s:%s", PrefixRefreshToken, chainRootID, tokenID)
}

func RefreshChainPattern(chainRootID string) string {
	return fmt.Sprintf("%s:chain:%s:*", PrefixRefreshToken, chainRootID)
}

func MatchTokenKey(tokenID string) string {
	return fmt.Sprintf("%s:%s", PrefixMatchToken, tokenID)
}

func RateLimitKey(key string) string {
	return fmt.Sprintf("%s:%s", PrefixRateLimit, key)
}
