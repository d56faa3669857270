package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftline/control-plane/internal/clock"
)

func TestMemoryRefreshStoreSaveAndFind(t *testing.T) {
	c := clock.NewManual(time.Now())
	s := NewMemoryRefreshStore(c)
	ctx := context.Background()

	rt := &RefreshToken{TokenID: "t1", OpaqueValueHash: HashOpaqueValue("opaque-1"), ChainRootID: "t1", ExpiresAt: c.Now().Add(time.Hour)}
	require.NoError(t, s.Save(ctx, rt, time.Hour))

	got, err := s.FindByHash(ctx, HashOpaqueValue("opaque-1"))
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TokenID)
}

func TestMemoryRefreshStoreFindExpired(t *testing.T) {
	c := clock.NewManual(time.Now())
	s := NewMemoryRefreshStore(c)
	ctx := context.Background()

	rt := &RefreshToken{TokenID: "t1", OpaqueValueHash: HashOpaqueValue("opaque-1"), ChainRootID: "t1", ExpiresAt: c.Now().Add(time.Minute)}
	require.NoError(t, s.Save(ctx, rt, time.Minute))

	c.Advance(2 * time.Minute)
	_, err := s.FindByHash(ctx, HashOpaqueValue("opaque-1"))
	assert.ErrorIs(t, err, ErrRefreshExpired)
}

func TestMemoryRefreshStoreRevokeIsCompareAndSet(t *testing.T) {
	c := clock.NewManual(time.Now())
	s := NewMemoryRefreshStore(c)
	ctx := context.Background()

	rt := &RefreshToken{TokenID: "t1", OpaqueValueHash: HashOpaqueValue("opaque-1"), ChainRootID: "t1", ExpiresAt: c.Now().Add(time.Hour)}
	require.NoError(t, s.Save(ctx, rt, time.Hour))

	ok, err := s.Revoke(ctx, "t1", c.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Revoke(ctx, "t1", c.Now())
	require.NoError(t, err)
	assert.False(t, ok, "revoking an already-revoked token must report false")
}

func TestMemoryRefreshStoreRevokeChainMarksEveryMember(t *testing.T) {
	c := clock.NewManual(time.Now())
	s := NewMemoryRefreshStore(c)
	ctx := context.Background()

	root := &RefreshToken{TokenID: "root", OpaqueValueHash: HashOpaqueValue("root"), ChainRootID: "root", ExpiresAt: c.Now().Add(time.Hour)}
	require.NoError(t, s.Save(ctx, root, time.Hour))
	child := &RefreshToken{TokenID: "child", OpaqueValueHash: HashOpaqueValue("child"), ChainRootID: "root", RotatedFrom: "root", ExpiresAt: c.Now().Add(time.Hour)}
	require.NoError(t, s.Save(ctx, child, time.Hour))

	require.NoError(t, s.RevokeChain(ctx, "root", c.Now()))

	rootGot, err := s.FindByHash(ctx, HashOpaqueValue("root"))
	require.NoError(t, err)
	assert.NotNil(t, rootGot.RevokedAt)

	childGot, err := s.FindByHash(ctx, HashOpaqueValue("child"))
	require.NoError(t, err)
	assert.NotNil(t, childGot.RevokedAt)
}

func TestHashOpaqueValueIsDeterministicAndDistinct(t *testing.T) {
	assert.Equal(t, HashOpaqueValue("same"), HashOpaqueValue("same"))
	assert.NotEqual(t, HashOpaqueValue("a"), HashOpaqueValue("b"))
}
