// Package matchtoken implements the Match Token Service: short-lived
// per-player capability tokens scoped to a single match (and, optionally, a
// single container within it).
package matchtoken

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riftline/control-plane/internal/clock"
	"github.com/riftline/control-plane/internal/scopes"
	"github.com/riftline/control-plane/internal/tokens"
)

// MatchToken is the service's own record of an issued capability.
type MatchToken struct {
	ID          string
	MatchID     string
	ContainerID string
	PlayerID    string
	UserID      string
	PlayerName  string
	Scopes      []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

// Store owns MatchToken records.
type Store interface {
	Save(mt *MatchToken) error
	Get(id string) (*MatchToken, error)
	Revoke(id string, at time.Time) error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*MatchToken
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*MatchToken)}
}

func (s *MemoryStore) Save(mt *MatchToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *mt
	s.tokens[mt.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(id string) (*MatchToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mt
	return &cp, nil
}

func (s *MemoryStore) Revoke(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	mt.RevokedAt = &t
	return nil
}

// ErrNotFound is returned for an unknown match token id.
var ErrNotFound = matchErr("match token not found")

type matchErr string

func (e matchErr) Error() string { return string(e) }

// Service issues and validates match tokens.
type Service struct {
	store  Store
	issuer *tokens.Issuer
	clock  clock.Clock
}

// New builds a Service.
func New(store Store, issuer *tokens.Issuer, c clock.Clock) *Service {
	return &Service{store: store, issuer: issuer, clock: c}
}

// Issue mints a MatchToken record and its signed JWT. containerID and
// userID may be empty (spectator/non-account players carry no user_id).
func (s *Service) Issue(matchID, containerID, playerID, userID, playerName string, requestedScopes []string, ttl time.Duration) (*MatchToken, string, error) {
	now := s.clock.Now()
	mt := &MatchToken{
		ID:          uuid.NewString(),
		MatchID:     matchID,
		ContainerID: containerID,
		PlayerID:    playerID,
		UserID:      userID,
		PlayerName:  playerName,
		Scopes:      requestedScopes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.store.Save(mt); err != nil {
		return nil, "", err
	}

	claims := tokens.Claims{
		Scopes:       requestedScopes,
		UserID:       userID,
		MatchID:      matchID,
		ContainerID:  containerID,
		PlayerID:     playerID,
		PlayerName:   playerName,
		MatchTokenID: mt.ID,
	}
	jwt, err := s.issuer.Issue(playerID, claims, ttl)
	if err != nil {
		return nil, "", err
	}
	return mt, jwt, nil
}

// Revoke marks a match token's id revoked.
func (s *Service) Revoke(tokenID string) error {
	return s.store.Revoke(tokenID, s.clock.Now())
}

// ValidateFor reports whether the stored token named by tokenID is active,
// targets matchID (and containerID if the token is container-scoped), is
// for playerID, and carries requiredScope.
func (s *Service) ValidateFor(tokenID, matchID, containerID, playerID, requiredScope string) bool {
	mt, err := s.store.Get(tokenID)
	if err != nil {
		return false
	}
	if mt.RevokedAt != nil {
		return false
	}
	if s.clock.Now().After(mt.ExpiresAt) {
		return false
	}
	if mt.MatchID != matchID {
		return false
	}
	if mt.ContainerID != "" && mt.ContainerID != containerID {
		return false
	}
	if mt.PlayerID != playerID {
		return false
	}
	return scopes.HasAny(mt.Scopes, requiredScope)
}
