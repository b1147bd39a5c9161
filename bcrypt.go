package chequier

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher using cost, or the build default when
// cost is outside the bcrypt range.
func NewBcryptHasher(cost ...int) BcryptHasher {
	c := passwordHashCost()
	if len(cost) > 0 && cost[0] >= bcrypt.MinCost && cost[0] <= bcrypt.MaxCost {
		c = cost[0]
	}
	return BcryptHasher{cost: c}
}

// HashPassword will generate a password hash
func (h BcryptHasher) HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrValidation("password must not be empty")
	}
	cost := h.cost
	if cost == 0 {
		cost = passwordHashCost()
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", ErrInternal(err)
	}
	return string(out), nil
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func (h BcryptHasher) ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrAuthentication("invalid credentials")
		}
		return ErrInternal(err)
	}
	return nil
}
