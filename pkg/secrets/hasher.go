// Package secrets provides one-way hashing for short secrets: phone
// numbers and 6-digit delivery codes. A slow KDF is mandatory here; a
// fast digest over a 6-digit space is brute-forceable in milliseconds.
package secrets

import "golang.org/x/crypto/bcrypt"

// Hasher wraps bcrypt. The produced hash embeds algorithm, cost and salt,
// so stored hashes survive future cost changes.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher with the given cost. Costs below the bcrypt
// minimum (including zero) fall back to the library default.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify runs in time independent of where the comparison fails.
func (h *Hasher) Verify(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
