// Postgres-backed Store, for deployments that want the Client & Role Store
// to survive process restarts. The spec only pins down the Store interface
// ("a durable implementation is allowed provided it preserves the
// invariants"); this implementation keeps the same semantics as
// MemoryStore but backs them with lib/pq, the driver the rest of this
// codebase has always used for persistence.
package identity

import (
	"database/sql"
	"encoding/json"
	"strings"

	_ "github.com/lib/pq"

	"github.com/riftline/control-plane/internal/passwordhash"
)

// PostgresStore implements Store against a Postgres schema of users, roles,
// and clients tables. Scope/grant/role-id lists are stored as JSON columns;
// at this scale a join table buys nothing the interface needs.
type PostgresStore struct {
	db     *sql.DB
	hasher passwordhash.Hasher
}

// NewPostgresStore wraps an already-open *sql.DB. Migrate must be called
// once before use.
func NewPostgresStore(db *sql.DB, hasher passwordhash.Hasher) *PostgresStore {
	return &PostgresStore{db: db, hasher: hasher}
}

const schema = `
CREATE TABLE IF NOT EXISTS cp_users (
	user_id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	username_lower TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	role_ids JSONB NOT NULL DEFAULT '[]',
	enabled BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS cp_roles (
	role_id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	included_role_ids JSONB NOT NULL DEFAULT '[]',
	scopes JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS cp_clients (
	client_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	secret_hash TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	allowed_scopes JSONB NOT NULL DEFAULT '[]',
	allowed_grants JSONB NOT NULL DEFAULT '[]',
	enabled BOOLEAN NOT NULL DEFAULT true
);`

// Migrate creates the control plane's identity tables if they do not
// already exist.
func (p *PostgresStore) Migrate() error {
	_, err := p.db.Exec(schema)
	return err
}

func jsonOf(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func (p *PostgresStore) CreateUser(u *User) error {
	_, err := p.db.Exec(
		`INSERT INTO cp_users (user_id, username, username_lower, password_hash, role_ids, enabled) VALUES ($1,$2,$3,$4,$5,$6)`,
		u.UserID, u.Username, strings.ToLower(u.Username), u.PasswordHash, jsonOf(u.RoleIDs), u.Enabled,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var roleIDs []byte
	if err := row.Scan(&u.UserID, &u.Username, &roleIDs, &u.PasswordHash, &u.Enabled); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(roleIDs, &u.RoleIDs)
	return &u, nil
}

func (p *PostgresStore) GetUser(userID string) (*User, error) {
	row := p.db.QueryRow(`SELECT user_id, username, role_ids, password_hash, enabled FROM cp_users WHERE user_id=$1`, userID)
	return p.scanUser(row)
}

func (p *PostgresStore) GetUserByUsername(username string) (*User, error) {
	row := p.db.QueryRow(`SELECT user_id, username, role_ids, password_hash, enabled FROM cp_users WHERE username_lower=$1`, strings.ToLower(username))
	return p.scanUser(row)
}

func (p *PostgresStore) UpdateUser(u *User) error {
	res, err := p.db.Exec(
		`UPDATE cp_users SET username=$2, username_lower=$3, password_hash=$4, role_ids=$5, enabled=$6 WHERE user_id=$1`,
		u.UserID, u.Username, strings.ToLower(u.Username), u.PasswordHash, jsonOf(u.RoleIDs), u.Enabled,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (p *PostgresStore) DeleteUser(userID string) error {
	res, err := p.db.Exec(`DELETE FROM cp_users WHERE user_id=$1`, userID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (p *PostgresStore) ListUsers() []*User {
	rows, err := p.db.Query(`SELECT user_id, username, role_ids, password_hash, enabled FROM cp_users`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		var u User
		var roleIDs []byte
		if rows.Scan(&u.UserID, &u.Username, &roleIDs, &u.PasswordHash, &u.Enabled) != nil {
			continue
		}
		_ = json.Unmarshal(roleIDs, &u.RoleIDs)
		out = append(out, &u)
	}
	return out
}

func (p *PostgresStore) SaveRole(r *Role) error {
	existing, err := p.loadRoleGraph()
	if err != nil {
		return err
	}
	existing[r.RoleID] = r
	if err := detectCycle(existing, r); err != nil {
		return err
	}
	_, err = p.db.Exec(
		`INSERT INTO cp_roles (role_id, name, description, included_role_ids, scopes) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (role_id) DO UPDATE SET name=$2, description=$3, included_role_ids=$4, scopes=$5`,
		r.RoleID, r.Name, r.Description, jsonOf(r.IncludedRoleIDs), jsonOf(r.Scopes),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) loadRoleGraph() (map[string]*Role, error) {
	rows, err := p.db.Query(`SELECT role_id, name, description, included_role_ids, scopes FROM cp_roles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*Role)
	for rows.Next() {
		var r Role
		var inc, sc []byte
		if err := rows.Scan(&r.RoleID, &r.Name, &r.Description, &inc, &sc); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(inc, &r.IncludedRoleIDs)
		_ = json.Unmarshal(sc, &r.Scopes)
		out[r.RoleID] = &r
	}
	return out, nil
}

func detectCycle(graph map[string]*Role, r *Role) error {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		role, ok := graph[id]
		if !ok {
			return false
		}
		for _, inc := range role.IncludedRoleIDs {
			if inc == r.RoleID || walk(inc) {
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
	return nil
}

func (p *PostgresStore) GetRole(roleID string) (*Role, error) {
	row := p.db.QueryRow(`SELECT role_id, name, description, included_role_ids, scopes FROM cp_roles WHERE role_id=$1`, roleID)
	var r Role
	var inc, sc []byte
	if err := row.Scan(&r.RoleID, &r.Name, &r.Description, &inc, &sc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(inc, &r.IncludedRoleIDs)
	_ = json.Unmarshal(sc, &r.Scopes)
	return &r, nil
}

func (p *PostgresStore) DeleteRole(roleID string) error {
	res, err := p.db.Exec(`DELETE FROM cp_roles WHERE role_id=$1`, roleID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (p *PostgresStore) ListRoles() []*Role {
	graph, err := p.loadRoleGraph()
	if err != nil {
		return nil
	}
	out := make([]*Role, 0, len(graph))
	for _, r := range graph {
		out = append(out, r)
	}
	return out
}

func (p *PostgresStore) CreateClient(c *ServiceClient) error {
	_, err := p.db.Exec(
		`INSERT INTO cp_clients (client_id, kind, secret_hash, display_name, allowed_scopes, allowed_grants, enabled) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ClientID, string(c.Kind), c.SecretHash, c.DisplayName, jsonOf(c.AllowedScopes), jsonOf(c.AllowedGrants), c.Enabled,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) scanClient(row *sql.Row) (*ServiceClient, error) {
	var c ServiceClient
	var kind string
	var scopes, grants []byte
	if err := row.Scan(&c.ClientID, &kind, &c.SecretHash, &c.DisplayName, &scopes, &grants, &c.Enabled); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Kind = ClientKind(kind)
	_ = json.Unmarshal(scopes, &c.AllowedScopes)
	_ = json.Unmarshal(grants, &c.AllowedGrants)
	return &c, nil
}

func (p *PostgresStore) GetClient(clientID string) (*ServiceClient, error) {
	row := p.db.QueryRow(`SELECT client_id, kind, secret_hash, display_name, allowed_scopes, allowed_grants, enabled FROM cp_clients WHERE client_id=$1`, clientID)
	return p.scanClient(row)
}

func (p *PostgresStore) UpdateClient(c *ServiceClient) error {
	res, err := p.db.Exec(
		`UPDATE cp_clients SET kind=$2, secret_hash=$3, display_name=$4, allowed_scopes=$5, allowed_grants=$6, enabled=$7 WHERE client_id=$1`,
		c.ClientID, string(c.Kind), c.SecretHash, c.DisplayName, jsonOf(c.AllowedScopes), jsonOf(c.AllowedGrants), c.Enabled,
	)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (p *PostgresStore) DeleteClient(clientID string) error {
	res, err := p.db.Exec(`DELETE FROM cp_clients WHERE client_id=$1`, clientID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (p *PostgresStore) ListClients() []*ServiceClient {
	rows, err := p.db.Query(`SELECT client_id, kind, secret_hash, display_name, allowed_scopes, allowed_grants, enabled FROM cp_clients`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []*ServiceClient
	for rows.Next() {
		var c ServiceClient
		var kind string
		var scopes, grants []byte
		if rows.Scan(&c.ClientID, &kind, &c.SecretHash, &c.DisplayName, &scopes, &grants, &c.Enabled) != nil {
			continue
		}
		c.Kind = ClientKind(kind)
		_ = json.Unmarshal(scopes, &c.AllowedScopes)
		_ = json.Unmarshal(grants, &c.AllowedGrants)
		out = append(out, &c)
	}
	return out
}

func (p *PostgresStore) ResolveScopes(userID string) ([]string, error) {
	u, err := p.GetUser(userID)
	if err != nil {
		return nil, err
	}
	graph, err := p.loadRoleGraph()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	var scopes []string
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		role, ok := graph[id]
		if !ok {
			return
		}
		for _, sc := range role.Scopes {
			if !seen[sc] {
				seen[sc] = true
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

func (p *PostgresStore) AuthenticateUser(username, password string) (*User, error) {
	u, err := p.GetUserByUsername(username)
	if err != nil || !u.Enabled || !p.hasher.Verify(password, u.PasswordHash) {
		return nil, ErrNotFound
	}
	return u, nil
}

func (p *PostgresStore) AuthenticateClient(clientID, secret string) (*ServiceClient, error) {
	c, err := p.GetClient(clientID)
	if err != nil || !c.Enabled || c.Kind != KindConfidential || c.SecretHash == "" || !p.hasher.Verify(secret, c.SecretHash) {
		return nil, ErrNotFound
	}
	return c, nil
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unique")
}

var _ Store = (*PostgresStore)(nil)
