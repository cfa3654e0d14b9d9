package credential

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Policy is the minimum-entropy password policy.
type Policy struct {
	MinLength  int
	MinClasses int // character classes among lower/upper/digit/other
}

// Check returns ErrWeakCredential when the password fails the policy.
func (p Policy) Check(password string) error {
	if len(password) < p.MinLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrWeakCredential, p.MinLength)
	}
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, other} {
		if ok {
			classes++
		}
	}
	if classes < p.MinClasses {
		return fmt.Errorf("%w: needs %d character classes", ErrWeakCredential, p.MinClasses)
	}
	return nil
}
