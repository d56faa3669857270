// Package passwordhash provides adaptive password hashing for the client
// and role store, following the same golang.org/x/crypto/bcrypt dependency
// the data layer has always used for credential storage.
package passwordhash

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyPassword is returned by Hash when called with an empty password.
var ErrEmptyPassword = errors.New("passwordhash: password must not be empty")

// Hasher hashes and verifies passwords with an adaptive, per-hash-salted
// algorithm.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
	NeedsRehash(hash string) bool
	Cost() int
}

// Bcrypt is the production Hasher.
type Bcrypt struct {
	cost int
}

// defaultCost sits a couple of rounds above bcrypt's own default -- enough
// to raise the per-guess cost without pushing login latency into
// user-visible territory.
const defaultCost = bcrypt.DefaultCost + 2

// NewBcrypt builds a Bcrypt hasher with the given cost, clamping it into
// bcrypt's supported range. cost <= 0 selects defaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost <= 0 {
		cost = defaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Bcrypt{cost: cost}
}

// Hash returns a new salted hash of password at the hasher's configured
// cost. Two calls with the same password produce different outputs.
func (b *Bcrypt) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify reports whether password matches hash. It never returns an error:
// a malformed or empty hash simply fails to verify. Bcrypt's comparison is
// constant-time with respect to the candidate password.
func (b *Bcrypt) Verify(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NeedsRehash reports whether hash was produced at a cost lower than the
// hasher's current configured cost, so the caller can opportunistically
// rewrite it after a successful verify.
func (b *Bcrypt) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost < b.cost
}

// Cost reports the hasher's configured cost factor.
func (b *Bcrypt) Cost() int {
	return b.cost
}
