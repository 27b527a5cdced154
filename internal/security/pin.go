package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidPin = errors.New("pin must be 4 to 6 digits")

// HashPin turns a plaintext PIN into a salted bcrypt hash. The plaintext
// must never be stored or logged; callers consume it and drop it.
func HashPin(pin string) (string, error) {
	if !validPin(pin) {
		return "", ErrInvalidPin
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyPin checks a plaintext PIN against a stored hash. An empty stored
// hash always fails.
func VerifyPin(plain, hashed string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

func validPin(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
