// Package identity is the Client & Role Store: it owns users, roles, and
// service clients, and resolves a user's effective scopes through role
// inheritance. No other component may read these entities directly -- every
// cross-component access goes through Store.
package identity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/riftline/control-plane/internal/passwordhash"
)

// ClientKind distinguishes clients that can hold a secret from those that
// cannot.
type ClientKind string

const (
	KindConfidential ClientKind = "confidential"
	KindPublic       ClientKind = "public"
)

// User is an interactive principal.
type User struct {
	UserID       string
	Username     string // unique, case-insensitive
	PasswordHash string
	RoleIDs      []string
	Enabled      bool
}

// Role is a named bundle of scopes with DAG inheritance over other roles.
type Role struct {
	RoleID          string
	Name            string // unique
	Description     string
	IncludedRoleIDs []string
	Scopes          []string
}

// ServiceClient is a machine principal authenticating via client_credentials
// or password grants.
type ServiceClient struct {
	ClientID      string // unique
	Kind          ClientKind
	SecretHash    string // empty for public clients
	DisplayName   string
	AllowedScopes []string
	AllowedGrants []string
	Enabled       bool
}

// ErrNotFound is returned when a lookup by id/username/name fails.
var ErrNotFound = fmt.Errorf("identity: not found")

// ErrCycle is returned by SaveRole when the role's included_role_ids would
// introduce a cycle in the inheritance DAG.
var ErrCycle = fmt.Errorf("identity: role inheritance cycle")

// ErrConflict is returned when a unique field (username, role name, client
// id) collides with an existing entry.
var ErrConflict = fmt.Errorf("identity: conflict")

// Store is the Client & Role Store's port.
type Store interface {
	CreateUser(u *User) error
	GetUser(userID string) (*User, error)
	GetUserByUsername(username string) (*User, error)
	UpdateUser(u *User) error
	DeleteUser(userID string) error
	ListUsers() []*User

	SaveRole(r *Role) error
	GetRole(roleID string) (*Role, error)
	DeleteRole(roleID string) error
	ListRoles() []*Role

	CreateClient(c *ServiceClient) error
	GetClient(clientID string) (*ServiceClient, error)
	UpdateClient(c *ServiceClient) error
	DeleteClient(clientID string) error
	ListClients() []*ServiceClient

	// ResolveScopes computes a user's effective scopes: the union over the
	// transitive closure of its roles' scopes.
	ResolveScopes(userID string) ([]string, error)

	// AuthenticateUser looks the user up by case-insensitive username,
	// verifies password via the configured Hasher, and rejects disabled
	// users. Returns ErrNotFound-wrapped errors uniformly so callers can't
	// distinguish "no such user" from "wrong password" by error shape.
	AuthenticateUser(username, password string) (*User, error)

	// AuthenticateClient verifies a client secret. Public clients (no
	// secret hash) always fail here; they authenticate by client_id alone
	// at the call site's discretion.
	AuthenticateClient(clientID, secret string) (*ServiceClient, error)
}

// MemoryStore is the default in-process Store: one RWMutex guarding five
// maps, following the same map-plus-mutex shape the rest of the control
// plane's registries use for fine-grained concurrent access.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User          // by user_id
	byName     map[string]string         // lowercase username -> user_id
	roles      map[string]*Role          // by role_id
	roleByName map[string]string         // role name -> role_id
	clients    map[string]*ServiceClient // by client_id

	hasher passwordhash.Hasher
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(hasher passwordhash.Hasher) *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*User),
		byName:     make(map[string]string),
		roles:      make(map[string]*Role),
		roleByName: make(map[string]string),
		clients:    make(map[string]*ServiceClient),
		hasher:     hasher,
	}
}

func (s *MemoryStore) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	key := strings.ToLower(u.Username)
	if _, exists := s.byName[key]; exists {
		return ErrConflict
	}
	cp := *u
	s.users[u.UserID] = &cp
	s.byName[key] = u.UserID
	return nil
}

func (s *MemoryStore) GetUser(userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByUsername(username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.UserID]
	if !ok {
		return ErrNotFound
	}
	newKey := strings.ToLower(u.Username)
	oldKey := strings.ToLower(existing.Username)
	if newKey != oldKey {
		if _, exists := s.byName[newKey]; exists {
			return ErrConflict
		}
		delete(s.byName, oldKey)
		s.byName[newKey] = u.UserID
	}
	cp := *u
	s.users[u.UserID] = &cp
	return nil
}

func (s *MemoryStore) DeleteUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	delete(s.byName, strings.ToLower(u.Username))
	delete(s.users, userID)
	return nil
}

func (s *MemoryStore) ListUsers() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	return out
}

// SaveRole creates or replaces a role, rejecting any save that would
// introduce a cycle in the inheritance DAG.
func (s *MemoryStore) SaveRole(r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.RoleID == "" {
		r.RoleID = uuid.NewString()
	}
	if existingID, exists := s.roleByName[strings.ToLower(r.Name)]; exists && existingID != r.RoleID {
		return ErrConflict
	}

	// Build a candidate role graph with this save applied, then walk from
	// r.RoleID to check for a path back to itself.
	candidate := make(map[string]*Role, len(s.roles)+1)
	for id, role := range s.roles {
		candidate[id] = role
	}
	candidate[r.RoleID] = r

	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == r.RoleID && visited[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		role, ok := candidate[id]
		if !ok {
			return false
		}
		for _, inc := range role.IncludedRoleIDs {
			if inc == r.RoleID {
				return true
			}
			if walk(inc) {
				return true
			}
		}
		return false
	}
	for _, inc := range r.IncludedRoleIDs {
		visited = make(map[string]bool)
		if inc == r.RoleID || walk(inc) {
			return ErrCycle
		}
	}

	if existing, ok := s.roles[r.RoleID]; ok {
		delete(s.roleByName, strings.ToLower(existing.Name))
	}
	cp := *r
	s.roles[r.RoleID] = &cp
	s.roleByName[strings.ToLower(r.Name)] = r.RoleID
	return nil
}

func (s *MemoryStore) GetRole(roleID string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) DeleteRole(roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	delete(s.roleByName, strings.ToLower(r.Name))
	delete(s.roles, roleID)
	return nil
}

func (s *MemoryStore) ListRoles() []*Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (s *MemoryStore) CreateClient(c *ServiceClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c.ClientID]; exists {
		return ErrConflict
	}
	cp := *c
	s.clients[c.ClientID] = &cp
	return nil
}

func (s *MemoryStore) GetClient(clientID string) (*ServiceClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateClient(c *ServiceClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ClientID]; !ok {
		return ErrNotFound
	}
	cp := *c
	s.clients[c.ClientID] = &cp
	return nil
}

func (s *MemoryStore) DeleteClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return ErrNotFound
	}
	delete(s.clients, clientID)
	return nil
}

func (s *MemoryStore) ListClients() []*ServiceClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ServiceClient, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// ResolveScopes computes the union of scopes across the transitive closure
// of a user's roles. DFS with a visited set; SaveRole already rejects
// cycles so this walk is bounded by construction, but the visited set is
// kept anyway as the walk's own termination guarantee.
func (s *MemoryStore) ResolveScopes(userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}

	seenScope := make(map[string]bool)
	visitedRole := make(map[string]bool)
	var scopes []string

	var walk func(roleID string)
	walk = func(roleID string) {
		if visitedRole[roleID] {
			return
		}
		visitedRole[roleID] = true
		role, ok := s.roles[roleID]
		if !ok {
			return
		}
		for _, sc := range role.Scopes {
			if !seenScope[sc] {
				seenScope[sc] = true
				scopes = append(scopes, sc)
			}
		}
		for _, inc := range role.IncludedRoleIDs {
			walk(inc)
		}
	}
	for _, rid := range u.RoleIDs {
		walk(rid)
	}
	return scopes, nil
}

// AuthenticateUser looks up username case-insensitively, verifies the
// password, and rejects disabled accounts. All three failure modes return
// ErrNotFound so the caller's error handling (and the artificial delay
// applied at the port layer) can't be used to distinguish them.
func (s *MemoryStore) AuthenticateUser(username, password string) (*User, error) {
	u, err := s.GetUserByUsername(username)
	if err != nil {
		return nil, ErrNotFound
	}
	if !u.Enabled {
		return nil, ErrNotFound
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		return nil, ErrNotFound
	}
	return u, nil
}

// AuthenticateClient verifies a confidential client's secret. Public
// clients have no secret hash and always fail here.
func (s *MemoryStore) AuthenticateClient(clientID, secret string) (*ServiceClient, error) {
	c, err := s.GetClient(clientID)
	if err != nil {
		return nil, ErrNotFound
	}
	if !c.Enabled {
		return nil, ErrNotFound
	}
	if c.Kind != KindConfidential || c.SecretHash == "" {
		return nil, ErrNotFound
	}
	if !s.hasher.Verify(secret, c.SecretHash) {
		return nil, ErrNotFound
	}
	return c, nil
}
