package auth

import (
	"fmt"

	"github.com/alwitt/stormgate/common"
	"golang.org/x/crypto/bcrypt"
)

const hashCost = 10

// Hasher password hashing
type Hasher interface {
	// Hash generate the hash of a password
	Hash(password string) (string, error)
	// Compare check a password against a hash. Fails with ErrUnauthorized on mismatch.
	Compare(password, hash string) error
}

type bcryptHasher struct {
	cost int
}

// GetBcryptHasher define a bcrypt backed Hasher
func GetBcryptHasher() Hasher {
	return &bcryptHasher{cost: hashCost}
}

func (h *bcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h *bcryptHasher) Compare(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return fmt.Errorf("password mismatch: %w", common.ErrUnauthorized)
	}
	return nil
}
