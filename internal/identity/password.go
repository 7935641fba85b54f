package identity

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the user does not exist, so a failed
// login costs the same whether the username or the password was wrong.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword derives a salted bcrypt digest from the plaintext secret.
// The cost parameter is embedded in the digest itself.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares the plaintext secret with a stored digest.
// A mismatch returns an error; it never distinguishes why.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func verifyAgainstDummy(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
