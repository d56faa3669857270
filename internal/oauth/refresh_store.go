package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/riftline/control-plane/internal/cache"
	"github.com/riftline/control-plane/internal/clock"
)

// RefreshToken is the Token Service's own record of an issued refresh
// token. Only the opaque value's hash is ever stored -- the bearer value
// itself exists only in the response handed to the caller.
type RefreshToken struct {
	TokenID         string
	OpaqueValueHash string
	Subject         string
	ClientID        string
	Scopes          []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	RotatedFrom     string
	// ChainRootID identifies the rotation lineage this token belongs to, so
	// that detecting reuse of a revoked token can revoke the whole chain in
	// one operation instead of walking RotatedFrom links.
	ChainRootID string
}

// HashOpaqueValue hashes a presented refresh-token bearer value the same
// way on issuance and on lookup.
func HashOpaqueValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// RefreshStore owns refresh-token records. Rotation (revoke-then-issue)
// must be atomic per token to prevent double-spend; implementations
// guarantee this with either a per-token lock or a compare-and-set on
// RevokedAt.
type RefreshStore interface {
	Save(ctx context.Context, rt *RefreshToken, ttl time.Duration) error
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// Revoke marks a token revoked iff it is not already revoked, returning
	// ok=false if it was already revoked (the compare-and-set outcome the
	// caller needs to detect reuse).
	Revoke(ctx context.Context, tokenID string, at time.Time) (ok bool, err error)
	// RevokeChain revokes every token sharing chainRootID -- the response
	// to detecting reuse of an already-revoked token.
	RevokeChain(ctx context.Context, chainRootID string, at time.Time) error
}

// MemoryRefreshStore is the default in-process RefreshStore: one mutex
// guarding a hash-keyed map plus a secondary chain index, in the same
// map-plus-mutex idiom the rest of the control plane's stores use.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	byHash  map[string]*RefreshToken
	byID    map[string]*RefreshToken
	byChain map[string][]string // chainRootID -> token ids
	clock   clock.Clock
}

// NewMemoryRefreshStore builds an empty MemoryRefreshStore.
func NewMemoryRefreshStore(c clock.Clock) *MemoryRefreshStore {
	return &MemoryRefreshStore{
		byHash:  make(map[string]*RefreshToken),
		byID:    make(map[string]*RefreshToken),
		byChain: make(map[string][]string),
		clock:   c,
	}
}

func (s *MemoryRefreshStore) Save(_ context.Context, rt *RefreshToken, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rt
	s.byHash[rt.OpaqueValueHash] = &cp
	s.byID[rt.TokenID] = &cp
	s.byChain[rt.ChainRootID] = append(s.byChain[rt.ChainRootID], rt.TokenID)
	return nil
}

func (s *MemoryRefreshStore) FindByHash(_ context.Context, hash string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.byHash[hash]
	if !ok {
		return nil, ErrRefreshNotFound
	}
	if s.clock.Now().After(rt.ExpiresAt) {
		return nil, ErrRefreshExpired
	}
	cp := *rt
	return &cp, nil
}

func (s *MemoryRefreshStore) Revoke(_ context.Context, tokenID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.byID[tokenID]
	if !ok {
		return false, ErrRefreshNotFound
	}
	if rt.RevokedAt != nil {
		return false, nil
	}
	t := at
	rt.RevokedAt = &t
	if byHash, ok := s.byHash[rt.OpaqueValueHash]; ok {
		byHash.RevokedAt = &t
	}
	return true, nil
}

func (s *MemoryRefreshStore) RevokeChain(_ context.Context, chainRootID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := at
	for _, id := range s.byChain[chainRootID] {
		if rt, ok := s.byID[id]; ok && rt.RevokedAt == nil {
			rt.RevokedAt = &t
		}
	}
	return nil
}

var (
	ErrRefreshNotFound = refreshErr("refresh token not found")
	ErrRefreshExpired  = refreshErr("refresh token expired")
)

type refreshErr string

func (e refreshErr) Error() string { return string(e) }

// RedisRefreshStore backs RefreshStore with Redis, generalizing the
// session-tracking pattern of the codebase's original Redis-backed session
// store (key-per-record with a TTL matching expiry, a pattern scan for bulk
// revocation) to refresh-token rotation chains.
type RedisRefreshStore struct {
	cache *cache.Cache
	clock clock.Clock
}

// NewRedisRefreshStore wraps a Redis-backed cache client.
func NewRedisRefreshStore(c *cache.Cache, clk clock.Clock) *RedisRefreshStore {
	return &RedisRefreshStore{cache: c, clock: clk}
}

func (s *RedisRefreshStore) Save(ctx context.Context, rt *RefreshToken, ttl time.Duration) error {
	if err := s.cache.Set(ctx, cache.RefreshTokenKey(rt.OpaqueValueHash), rt, ttl); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, "refresh:id:"+rt.TokenID, rt.OpaqueValueHash, ttl); err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.RefreshChainMemberKey(rt.ChainRootID, rt.TokenID), rt.OpaqueValueHash, ttl)
}

func (s *RedisRefreshStore) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	var rt RefreshToken
	if err := s.cache.Get(ctx, cache.RefreshTokenKey(hash), &rt); err != nil {
		return nil, ErrRefreshNotFound
	}
	if s.clock.Now().After(rt.ExpiresAt) {
		return nil, ErrRefreshExpired
	}
	return &rt, nil
}

// Revoke is not compare-and-set against Redis (no WATCH/Lua here); two
// concurrent rotations of the same token can both observe RevokedAt==nil.
// MemoryRefreshStore is the one to reach for when that matters more than
// surviving a restart.
func (s *RedisRefreshStore) Revoke(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	var hash string
	if err := s.cache.Get(ctx, "refresh:id:"+tokenID, &hash); err != nil {
		return false, ErrRefreshNotFound
	}
	var rt RefreshToken
	if err := s.cache.Get(ctx, cache.RefreshTokenKey(hash), &rt); err != nil {
		return false, ErrRefreshNotFound
	}
	if rt.RevokedAt != nil {
		return false, nil
	}
	t := at
	rt.RevokedAt = &t
	ttl := time.Until(rt.ExpiresAt)
	if ttl <= 0 {
		return true, nil
	}
	return true, s.cache.Set(ctx, cache.RefreshTokenKey(hash), &rt, ttl)
}

// RevokeChain marks every member of a rotation chain revoked by walking the
// chain-member index built in Save, rather than deleting records outright --
// a revoked-but-present record is what lets a second reuse of the same stale
// token be recognized as reuse instead of a plain not-found.
func (s *RedisRefreshStore) RevokeChain(ctx context.Context, chainRootID string, at time.Time) error {
	members, err := s.cache.ScanKeys(ctx, cache.RefreshChainPattern(chainRootID))
	if err != nil {
		return err
	}
	for _, memberKey := range members {
		var hash string
		if err := s.cache.Get(ctx, memberKey, &hash); err != nil {
			continue
		}
		var rt RefreshToken
		if err := s.cache.Get(ctx, cache.RefreshTokenKey(hash), &rt); err != nil {
			continue
		}
		if rt.RevokedAt != nil {
			continue
		}
		t := at
		rt.RevokedAt = &t
		ttl := time.Until(rt.ExpiresAt)
		if ttl <= 0 {
			continue
		}
		_ = s.cache.Set(ctx, cache.RefreshTokenKey(hash), &rt, ttl)
	}
	return nil
}

var _ RefreshStore = (*MemoryRefreshStore)(nil)
var _ RefreshStore = (*RedisRefreshStore)(nil)
